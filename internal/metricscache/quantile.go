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
	"github.com/beorn7/perks/quantile"
)

// quantileTargets maps each reported quantile to its allowed rank error.
// A rank error of 0.01% at p99 keeps the relative value error under 1% even
// for heavy exponential latency tails.
var quantileTargets = map[float64]float64{
	0.50: 0.001,
	0.95: 0.0005,
	0.99: 0.0001,
}

// summarize computes the snapshot statistics from points copied out of a window.
func summarize(s *Snapshot, points []point) {
	if len(points) == 0 {
		return
	}

	stream := quantile.NewTargeted(quantileTargets)
	sum := 0.0
	for _, p := range points {
		stream.Insert(p.value)
		sum += p.value
	}

	s.NoData = false
	s.Count = len(points)
	s.Sum = sum
	s.Mean = sum / float64(len(points))
	s.P50 = stream.Query(0.50)
	s.P95 = stream.Query(0.95)
	s.P99 = stream.Query(0.99)

	seconds := s.Window.Seconds()
	if s.Kind.IsCounter() {
		s.Rate = sum / seconds
	} else {
		s.Rate = float64(len(points)) / seconds
	}
}
