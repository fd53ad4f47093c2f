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
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
)

// Sampler converts request and saturation reports into samples.
type Sampler struct {
	writer  metricscache.Writer
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

// NewSampler creates a Sampler writing to w. m may be nil.
func NewSampler(w metricscache.Writer, clk clock.PassiveClock, m *metrics.Metrics) *Sampler {
	return &Sampler{writer: w, clock: clk, metrics: m}
}

// IsServerError reports whether a status code counts as a failed request.
func IsServerError(statusCode int) bool {
	return statusCode >= 500 && statusCode <= 599
}

// ReportRequest records one served request. Client errors (4xx) are traffic,
// not errors.
func (s *Sampler) ReportRequest(latency time.Duration, statusCode int, instanceID string) error {
	if latency < 0 {
		return fmt.Errorf("negative latency %s for instance %s", latency, instanceID)
	}
	now := s.clock.Now()
	seconds := latency.Seconds()

	s.writer.Record(metricscache.Sample{Kind: metricscache.KindRequest, Value: 1, Timestamp: now, InstanceID: instanceID})
	s.writer.Record(metricscache.Sample{Kind: metricscache.KindLatency, Value: seconds, Timestamp: now, InstanceID: instanceID})
	if IsServerError(statusCode) {
		s.writer.Record(metricscache.Sample{Kind: metricscache.KindError, Value: 1, Timestamp: now, InstanceID: instanceID})
	}

	s.metrics.ObserveRequest(seconds, statusCode)
	return nil
}

// ReportSaturation records a utilization ratio for an instance. Ratios above 1
// are kept since an overcommitted instance is a meaningful signal.
func (s *Sampler) ReportSaturation(instanceID string, ratio float64) error {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio < 0 {
		return fmt.Errorf("invalid saturation ratio %v for instance %s", ratio, instanceID)
	}
	s.writer.Record(metricscache.Sample{
		Kind:       metricscache.KindSaturation,
		Value:      ratio,
		Timestamp:  s.clock.Now(),
		InstanceID: instanceID,
	})
	return nil
}
