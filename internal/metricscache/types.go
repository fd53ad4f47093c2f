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

package metricscache

import (
	"math"
	"time"
)

// MetricKind identifies the signal a Sample belongs to.
type MetricKind string

const (
	// KindLatency samples carry a request latency in seconds.
	KindLatency MetricKind = "latency"
	// KindRequest samples count served requests (usually value 1).
	KindRequest MetricKind = "request"
	// KindError samples count failed requests.
	KindError MetricKind = "error"
	// KindSaturation samples carry a utilization ratio in [0, 1].
	KindSaturation MetricKind = "saturation"

	// Dependency kinds are keyed by dependency ID and feed error attribution.
	KindDependencyError    MetricKind = "dependency_error"
	KindDependencyRejected MetricKind = "dependency_rejected"

	// Breaker transition kinds count state changes per dependency.
	KindBreakerTrip     MetricKind = "breaker_trip"
	KindBreakerHalfOpen MetricKind = "breaker_half_open"
	KindBreakerReset    MetricKind = "breaker_reset"
)

// IsCounter reports whether samples of this kind are increments, in which case
// the window rate is the sum of values per second rather than the
// observation frequency.
func (k MetricKind) IsCounter() bool {
	switch k {
	case KindLatency, KindSaturation:
		return false
	default:
		return true
	}
}

// Sample is one immutable observation.
type Sample struct {
	Kind       MetricKind
	Value      float64
	Timestamp  time.Time
	InstanceID string
	// Dependency is set only for dependency kinds.
	Dependency string
}

// SeriesKey addresses one window.
type SeriesKey struct {
	Kind       MetricKind
	Dependency string
}

// Snapshot is a consistent read of one window at a point in time.
// Percentiles and Mean are NaN when NoData is true.
type Snapshot struct {
	Kind       MetricKind
	Dependency string
	At         time.Time
	Window     time.Duration

	// Rate is per second over the full window duration.
	Rate  float64
	Count int
	Sum   float64
	Mean  float64
	P50   float64
	P95   float64
	P99   float64

	NoData bool
}

func emptySnapshot(key SeriesKey, at time.Time, window time.Duration) Snapshot {
	return Snapshot{
		Kind:       key.Kind,
		Dependency: key.Dependency,
		At:         at,
		Window:     window,
		Mean:       math.NaN(),
		P50:        math.NaN(),
		P95:        math.NaN(),
		P99:        math.NaN(),
		NoData:     true,
	}
}
