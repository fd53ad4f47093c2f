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
	"sync"
	"time"
)

const initialWindowCapacity = 64

type point struct {
	ts    time.Time
	value float64
}

// appendResult tells the caller why a point was not kept.
type appendResult int

const (
	appended appendResult = iota
	contended
	stale
	overflowed // appended, but the oldest point was overwritten
)

// Window is a fixed-duration ring of points for one series.
// Eviction and reads happen under the same lock, so a reader never sees a
// partially evicted window.
type Window struct {
	mu sync.Mutex

	duration   time.Duration
	maxSamples int

	buf  []point
	head int
	size int
}

// NewWindow creates an empty window. maxSamples bounds memory; when full the
// oldest point is overwritten.
func NewWindow(duration time.Duration, maxSamples int) *Window {
	maxSamples = max(maxSamples, 1)
	capacity := min(initialWindowCapacity, maxSamples)
	return &Window{
		duration:   duration,
		maxSamples: maxSamples,
		buf:        make([]point, capacity),
	}
}

// tryAppend records a point without blocking.
func (w *Window) tryAppend(p point, now time.Time) appendResult {
	if p.ts.Before(now.Add(-w.duration)) {
		return stale
	}
	if !w.mu.TryLock() {
		return contended
	}
	defer w.mu.Unlock()

	w.evict(now)

	result := appended
	if w.size == len(w.buf) {
		if len(w.buf) < w.maxSamples {
			w.grow()
		} else {
			w.head = (w.head + 1) % len(w.buf)
			w.size--
			result = overflowed
		}
	}
	w.buf[(w.head+w.size)%len(w.buf)] = p
	w.size++
	return result
}

// read evicts expired points and returns a copy of the values inside
// [now-duration, now].
func (w *Window) read(now time.Time) []point {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)

	cutoff := now.Add(-w.duration)
	out := make([]point, 0, w.size)
	for i := 0; i < w.size; i++ {
		p := w.buf[(w.head+i)%len(w.buf)]
		// Points can arrive slightly out of order, so filter as well as evict.
		if p.ts.Before(cutoff) || p.ts.After(now) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Len returns the number of buffered points, including expired ones not yet evicted.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// evict drops points from the head while they are older than the window.
// Caller holds mu.
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.duration)
	for w.size > 0 && w.buf[w.head].ts.Before(cutoff) {
		w.buf[w.head] = point{}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
	}
	if w.size == 0 {
		w.head = 0
	}
}

func (w *Window) grow() {
	next := make([]point, min(len(w.buf)*2, w.maxSamples))
	for i := 0; i < w.size; i++ {
		next[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	w.buf = next
	w.head = 0
}
