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
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
)

// Labels tried, in order, to attribute a series to an instance.
var instanceLabels = []model.LabelName{"pod", "instance"}

// PrometheusSource evaluates one instant PromQL query per collection and turns
// every series of the result into a sample of the configured kind.
type PrometheusSource struct {
	api      promv1.API
	query    string
	kind     metricscache.MetricKind
	interval time.Duration
	clock    clock.PassiveClock
}

var _ MetricSource = (*PrometheusSource)(nil)

// NewPrometheusSource creates a saturation source backed by the Prometheus at address.
func NewPrometheusSource(address, query string, interval time.Duration, clk clock.PassiveClock) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client for %s: %w", address, err)
	}
	return NewPrometheusSourceWithAPI(promv1.NewAPI(client), query, metricscache.KindSaturation, interval, clk), nil
}

// NewPrometheusSourceWithAPI creates a source on an existing API client.
func NewPrometheusSourceWithAPI(promAPI promv1.API, query string, kind metricscache.MetricKind, interval time.Duration, clk clock.PassiveClock) *PrometheusSource {
	return &PrometheusSource{
		api:      promAPI,
		query:    query,
		kind:     kind,
		interval: interval,
		clock:    clk,
	}
}

func (s *PrometheusSource) Name() string { return "prometheus" }

func (s *PrometheusSource) CollectionInterval() time.Duration { return s.interval }

// Collect implements MetricSource. Samples are stamped with the local clock so
// that server clock skew cannot push them outside the aggregation window.
func (s *PrometheusSource) Collect(ctx context.Context) ([]metricscache.Sample, error) {
	now := s.clock.Now()
	result, warnings, err := s.api.Query(ctx, s.query, now)
	if err != nil {
		return nil, fmt.Errorf("query %q failed: %w", s.query, err)
	}
	if len(warnings) > 0 {
		ctrl.LoggerFrom(ctx).Info("Prometheus query returned warnings", "query", s.query, "warnings", warnings)
	}

	var (
		samples    []metricscache.Sample
		outOfRange int
	)
	add := func(v model.SampleValue, instanceID string) {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return
		}
		if s.kind == metricscache.KindSaturation && (f < 0 || f > 1) {
			outOfRange++
			return
		}
		samples = append(samples, metricscache.Sample{
			Kind:       s.kind,
			Value:      f,
			Timestamp:  now,
			InstanceID: instanceID,
		})
	}

	switch v := result.(type) {
	case model.Vector:
		for _, sample := range v {
			add(sample.Value, instanceOf(sample.Metric))
		}
	case *model.Scalar:
		add(v.Value, "")
	default:
		return nil, fmt.Errorf("query %q returned unsupported result type %s", s.query, result.Type())
	}
	if outOfRange > 0 {
		ctrl.LoggerFrom(ctx).Info("Dropped saturation values outside [0, 1], the query must return a utilization ratio",
			"query", s.query, "dropped", outOfRange)
	}
	return samples, nil
}

func instanceOf(metric model.Metric) string {
	for _, name := range instanceLabels {
		if v, ok := metric[name]; ok {
			return string(v)
		}
	}
	return ""
}
