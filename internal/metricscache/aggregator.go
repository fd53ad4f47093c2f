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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
)

// Drop reasons, used as the reason label of the dropped-samples counter.
const (
	DropReasonContention = "contention"
	DropReasonStale      = "stale"
	DropReasonOverflow   = "overflow"
)

// Aggregator keeps one Window per SeriesKey and computes snapshots.
// There is no global lock: windows are created on first use through a
// sync.Map and each window has its own mutex.
type Aggregator struct {
	duration   time.Duration
	maxSamples int
	clock      clock.PassiveClock
	metrics    *metrics.Metrics

	windows sync.Map // SeriesKey -> *Window

	dropped atomic.Uint64
	dropLog rate.Sometimes
}

var _ ReadWriter = (*Aggregator)(nil)

// NewAggregator creates an aggregator. m may be nil.
func NewAggregator(cfg config.WindowConfig, clk clock.PassiveClock, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		duration:   cfg.Duration,
		maxSamples: cfg.MaxSamples,
		clock:      clk,
		metrics:    m,
		dropLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Duration returns the window duration.
func (a *Aggregator) Duration() time.Duration {
	return a.duration
}

func (a *Aggregator) window(key SeriesKey) *Window {
	if w, ok := a.windows.Load(key); ok {
		return w.(*Window)
	}
	w, _ := a.windows.LoadOrStore(key, NewWindow(a.duration, a.maxSamples))
	return w.(*Window)
}

// Record implements Writer.
func (a *Aggregator) Record(sample Sample) {
	key := SeriesKey{Kind: sample.Kind, Dependency: sample.Dependency}
	now := a.clock.Now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}

	switch a.window(key).tryAppend(point{ts: sample.Timestamp, value: sample.Value}, now) {
	case appended:
		return
	case overflowed:
		// The new sample is kept; the oldest one was lost.
		a.drop(key, DropReasonOverflow)
	case contended:
		a.drop(key, DropReasonContention)
	case stale:
		a.drop(key, DropReasonStale)
	}
}

func (a *Aggregator) drop(key SeriesKey, reason string) {
	total := a.dropped.Add(1)
	a.metrics.IncDroppedSample(string(key.Kind), reason)
	a.dropLog.Do(func() {
		ctrl.Log.V(logging.DEBUG).Info("Dropped sample",
			"kind", key.Kind,
			"dependency", key.Dependency,
			"reason", reason,
			"droppedTotal", total)
	})
}

// Dropped implements Reader.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped.Load()
}

// Snapshot implements Reader.
func (a *Aggregator) Snapshot(kind MetricKind) Snapshot {
	return a.SnapshotFor(kind, "")
}

// SnapshotFor implements Reader.
func (a *Aggregator) SnapshotFor(kind MetricKind, dependency string) Snapshot {
	key := SeriesKey{Kind: kind, Dependency: dependency}
	now := a.clock.Now()
	snap := emptySnapshot(key, now, a.duration)

	w, ok := a.windows.Load(key)
	if !ok {
		return snap
	}
	// Statistics are computed on the copy, outside the window lock.
	summarize(&snap, w.(*Window).read(now))
	return snap
}

// AttributedErrorRate implements Reader.
func (a *Aggregator) AttributedErrorRate(dependencies []string) float64 {
	total := 0.0
	for _, dep := range dependencies {
		total += a.SnapshotFor(KindDependencyError, dep).Rate
		total += a.SnapshotFor(KindDependencyRejected, dep).Rate
	}
	return total
}

// KindRate returns the summed per-second rate of every window of kind,
// across dependencies.
func (a *Aggregator) KindRate(kind MetricKind) float64 {
	total := 0.0
	for _, key := range a.Series() {
		if key.Kind == kind {
			total += a.SnapshotFor(kind, key.Dependency).Rate
		}
	}
	return total
}

// Series lists the keys of all windows, sorted.
func (a *Aggregator) Series() []SeriesKey {
	var keys []SeriesKey
	a.windows.Range(func(k, _ any) bool {
		keys = append(keys, k.(SeriesKey))
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Dependency < keys[j].Dependency
	})
	return keys
}
