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
	"time"

	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
)

// MetricSource is the interface for pluggable pull-based metric sources.
// Implementations include PrometheusSource.
type MetricSource interface {
	// Name returns the unique name of this source (e.g., "prometheus").
	Name() string

	// CollectionInterval returns the collection interval for this source.
	// The Collector uses this to run per-source tickers.
	CollectionInterval() time.Duration

	// Collect returns the current samples of this source.
	Collect(ctx context.Context) ([]metricscache.Sample, error)
}
