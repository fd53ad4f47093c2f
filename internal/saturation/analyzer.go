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

// Package saturation turns golden-signal window snapshots into a single
// normalized load score.
//
// The score is the maximum of three ratios, each equal to 1.0 when the signal
// sits exactly at its target:
//
//	saturation ratio         mean saturation over the window
//	error rate / threshold   request error fraction, minus errors attributed to open breakers
//	p99 latency / target     99th percentile latency over the latency objective
//
// Request and latency windows are required. A missing saturation window
// contributes nothing; a missing error window means no errors were seen.
package saturation

import (
	"math"
	"time"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
)

// Signal names, used as rationale tags.
const (
	SignalSaturation = "saturation"
	SignalErrorRate  = "error_rate"
	SignalLatency    = "latency"
)

// Signals are the inputs of one analysis.
type Signals struct {
	Latency    metricscache.Snapshot
	Requests   metricscache.Snapshot
	Errors     metricscache.Snapshot
	Saturation metricscache.Snapshot
	// AttributedErrorRate is the per-second rate of errors attributed to
	// dependencies whose breaker is open.
	AttributedErrorRate float64
}

// Analysis is the result of one analysis.
type Analysis struct {
	LoadScore float64
	// Dominant names the signal that produced LoadScore.
	Dominant string

	SaturationRatio float64
	ErrorRatio      float64
	LatencyRatio    float64

	// ErrorRate is the raw error fraction of requests; AdjustedErrorRate
	// excludes errors attributed to open breakers.
	ErrorRate         float64
	AdjustedErrorRate float64

	// Missing lists required signals without data. The score is meaningless
	// when it is non-empty.
	Missing []metricscache.MetricKind
}

// Stale reports whether a required signal was missing.
func (a Analysis) Stale() bool {
	return len(a.Missing) > 0
}

// Analyzer computes load scores against fixed targets.
type Analyzer struct {
	latencyTarget      time.Duration
	errorRateThreshold float64
}

// NewAnalyzer creates an analyzer from the scaling configuration.
func NewAnalyzer(cfg config.ScalingConfig) *Analyzer {
	return &Analyzer{
		latencyTarget:      cfg.LatencyTarget,
		errorRateThreshold: cfg.ErrorRateThreshold,
	}
}

// Analyze computes the load score.
func (a *Analyzer) Analyze(s Signals) Analysis {
	var res Analysis

	if s.Requests.NoData || s.Requests.Rate <= 0 {
		res.Missing = append(res.Missing, metricscache.KindRequest)
	}
	if s.Latency.NoData || math.IsNaN(s.Latency.P99) {
		res.Missing = append(res.Missing, metricscache.KindLatency)
	}
	if res.Stale() {
		return res
	}

	if !s.Saturation.NoData && !math.IsNaN(s.Saturation.Mean) {
		res.SaturationRatio = math.Max(0, s.Saturation.Mean)
	}

	if !s.Errors.NoData {
		res.ErrorRate = s.Errors.Rate / s.Requests.Rate
		adjusted := s.Errors.Rate - math.Max(0, s.AttributedErrorRate)
		res.AdjustedErrorRate = math.Max(0, adjusted) / s.Requests.Rate
	}
	res.ErrorRatio = res.AdjustedErrorRate / a.errorRateThreshold

	res.LatencyRatio = s.Latency.P99 / a.latencyTarget.Seconds()

	res.LoadScore, res.Dominant = res.SaturationRatio, SignalSaturation
	if res.ErrorRatio > res.LoadScore {
		res.LoadScore, res.Dominant = res.ErrorRatio, SignalErrorRate
	}
	if res.LatencyRatio > res.LoadScore {
		res.LoadScore, res.Dominant = res.LatencyRatio, SignalLatency
	}
	return res
}
