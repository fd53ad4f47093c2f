/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collector

import (
	"context"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
)

// Collector polls every MetricSource on its own ticker.
type Collector struct {
	sources []MetricSource
	writer  metricscache.Writer
	clock   clock.WithTicker
}

// NewCollector creates a Collector forwarding samples to w.
func NewCollector(w metricscache.Writer, clk clock.WithTicker, sources ...MetricSource) *Collector {
	return &Collector{sources: sources, writer: w, clock: clk}
}

// Run polls all sources until ctx is done. It always returns nil; collection
// errors are logged and retried at the next tick.
func (c *Collector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		g.Go(func() error {
			c.runSource(ctx, src)
			return nil
		})
	}
	return g.Wait()
}

func (c *Collector) runSource(ctx context.Context, src MetricSource) {
	logger := ctrl.LoggerFrom(ctx).WithValues("source", src.Name())
	ticker := c.clock.NewTicker(src.CollectionInterval())
	defer ticker.Stop()

	logger.Info("Starting metric source", "interval", src.CollectionInterval())
	for {
		c.CollectOnce(ctx, src)
		select {
		case <-ctx.Done():
			logger.Info("Stopping metric source")
			return
		case <-ticker.C():
		}
	}
}

// CollectOnce runs a single collection of src and returns the number of
// samples forwarded.
func (c *Collector) CollectOnce(ctx context.Context, src MetricSource) int {
	logger := ctrl.LoggerFrom(ctx)
	samples, err := src.Collect(ctx)
	if err != nil {
		logger.Error(err, "Metric collection failed", "source", src.Name())
		return 0
	}
	for _, s := range samples {
		c.writer.Record(s)
	}
	logger.V(logging.TRACE).Info("Collected samples", "source", src.Name(), "count", len(samples))
	return len(samples)
}
