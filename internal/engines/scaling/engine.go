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

// Package scaling implements the replica decision engine.
//
// Each evaluation reads the rolling windows, computes a load score and keeps
// per-direction streak counters. A scale-up is proposed once the score stayed
// above the high watermark for ScaleUpCycles consecutive cycles, a scale-down
// once it stayed below the low watermark for ScaleDownCycles cycles. Proposals
// are sized as ceil(base * score), where base is the number of eligible
// instances, and are then limited relative to the effective replica count.
//
// When a required signal has no data the engine holds. After StalenessLimit
// consecutive stale cycles it proposes StaleFloorReplicas as a conservative
// floor.
//
// A decision only consumes the streaks and the published breaker posture once
// the caller reports it applied through Commit. An uncommitted decision is
// dropped by the next Evaluate, which proposes again from the same evidence.
package scaling

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/engines/limiter"
	"github.com/llm-d/llm-d-reliability-controller/internal/interfaces"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
	"github.com/llm-d/llm-d-reliability-controller/internal/saturation"
)

// Hold reasons reported when no decision is emitted.
const (
	HoldInBand         = "in_band"
	HoldSustaining     = "sustaining"
	HoldStale          = "stale"
	HoldBelowMinChange = "below_min_change"
)

// maxProposal bounds ceil(base*score) before the limiters run.
const maxProposal = math.MaxInt32

// Input is the per-cycle state the engine does not read from the windows.
type Input struct {
	// EligibleReplicas is the number of ready instances.
	EligibleReplicas int
	// EffectiveReplicas is the count reported by the actuator this cycle.
	EffectiveReplicas int
	// Breakers maps dependency ID to current breaker state.
	Breakers map[string]breaker.State
}

// Result describes one evaluation.
type Result struct {
	Analysis saturation.Analysis
	// Proposed is the limited target, equal to EffectiveReplicas on hold.
	Proposed int
	// Decision is nil when nothing needs to be applied.
	Decision *interfaces.ScalingDecision
	// HoldReason is set when Decision is nil.
	HoldReason  string
	StaleCycles int
	HighStreak  int
	LowStreak   int
}

// Engine is the scaling decision engine. Evaluate is meant to be called from a
// single loop; the mutex only protects State readers.
type Engine struct {
	cfg      config.ScalingConfig
	reader   metricscache.Reader
	analyzer *saturation.Analyzer
	limiter  limiter.Limiter
	clock    clock.PassiveClock
	metrics  *metrics.Metrics

	mu          sync.Mutex
	highStreak  int
	lowStreak   int
	staleCycles int
	lastHints   interfaces.BreakerHints
	pending     *pendingDecision
}

// pendingDecision is what Commit does for the latest decision.
type pendingDecision struct {
	id           string
	hints        interfaces.BreakerHints
	resetStreaks bool
}

// NewEngine creates an engine reading from reader.
func NewEngine(cfg config.ScalingConfig, reader metricscache.Reader, clk clock.PassiveClock, m *metrics.Metrics) (*Engine, error) {
	chain, err := limiter.NewChain(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating limiters: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		reader:   reader,
		analyzer: saturation.NewAnalyzer(cfg),
		limiter:  chain,
		clock:    clk,
		metrics:  m,
	}, nil
}

// Signals reads the windows needed for one analysis.
func (e *Engine) Signals(openDependencies []string) saturation.Signals {
	return saturation.Signals{
		Latency:             e.reader.Snapshot(metricscache.KindLatency),
		Requests:            e.reader.Snapshot(metricscache.KindRequest),
		Errors:              e.reader.Snapshot(metricscache.KindError),
		Saturation:          e.reader.Snapshot(metricscache.KindSaturation),
		AttributedErrorRate: e.reader.AttributedErrorRate(openDependencies),
	}
}

// Evaluate runs one decision cycle.
func (e *Engine) Evaluate(ctx context.Context, in Input) Result {
	logger := ctrl.LoggerFrom(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		logger.V(logging.DEBUG).Info("Dropping uncommitted decision", "id", e.pending.id)
		e.pending = nil
	}

	hints, open := breakerHints(in.Breakers)
	hintsChanged := !hints.Equal(e.lastHints)

	analysis := e.analyzer.Analyze(e.Signals(open))
	res := Result{Analysis: analysis, Proposed: in.EffectiveReplicas}

	var desired int
	var tag string
	switch {
	case analysis.Stale():
		e.staleCycles++
		e.highStreak, e.lowStreak = 0, 0
		e.metrics.SetStaleness(e.staleCycles)
		if e.staleCycles < e.cfg.StalenessLimit {
			logger.V(logging.DEBUG).Info("Holding on missing signals",
				"missing", analysis.Missing, "staleCycles", e.staleCycles)
			desired, tag, res.HoldReason = in.EffectiveReplicas, interfaces.RationaleBreakerHints, HoldStale
			break
		}
		if e.staleCycles == e.cfg.StalenessLimit {
			logger.Info("Signals stale beyond limit, degrading to replica floor",
				"missing", analysis.Missing, "staleCycles", e.staleCycles, "floor", e.cfg.StaleFloorReplicas)
		}
		desired, tag = max(in.EffectiveReplicas, e.cfg.StaleFloorReplicas), interfaces.RationaleStaleFloor

	default:
		if e.staleCycles > 0 {
			logger.Info("Signals recovered", "staleCycles", e.staleCycles)
		}
		e.staleCycles = 0
		e.metrics.SetStaleness(0)
		desired, tag, res.HoldReason = e.propose(in, analysis)
	}

	res.Proposed = e.limiter.Limit(ctx, in.EffectiveReplicas, desired)
	res.StaleCycles = e.staleCycles

	delta := res.Proposed - in.EffectiveReplicas
	scale := delta != 0 && abs(delta) > e.cfg.MinReplicaChange
	if delta != 0 && !scale && res.HoldReason == "" {
		res.HoldReason = HoldBelowMinChange
	}
	if !scale && !hintsChanged {
		if res.HoldReason == "" {
			res.HoldReason = HoldInBand
			if analysis.Stale() {
				res.HoldReason = HoldStale
			}
		}
		res.Proposed = in.EffectiveReplicas
		res.HighStreak, res.LowStreak = e.highStreak, e.lowStreak
		return res
	}

	resetStreaks := false
	switch {
	case !scale:
		res.Proposed = in.EffectiveReplicas
		tag = interfaces.RationaleBreakerHints
	case res.HoldReason != "":
		// the engine held but the current count is outside the replica bounds
		tag = interfaces.RationaleBounds
	default:
		resetStreaks = true
	}
	res.HoldReason = ""
	res.HighStreak, res.LowStreak = e.highStreak, e.lowStreak

	action := interfaces.ActionNoChange
	switch {
	case res.Proposed > in.EffectiveReplicas:
		action = interfaces.ActionScaleUp
	case res.Proposed < in.EffectiveReplicas:
		action = interfaces.ActionScaleDown
	}
	if action != interfaces.ActionNoChange && tag != interfaces.RationaleStaleFloor {
		tag = string(action) + ":" + tag
	}

	res.Decision = &interfaces.ScalingDecision{
		ID:                uuid.NewString(),
		TargetReplicas:    res.Proposed,
		EffectiveReplicas: in.EffectiveReplicas,
		BreakerHints:      hints,
		DecidedAt:         e.clock.Now(),
		RationaleTag:      tag,
		LoadScore:         analysis.LoadScore,
		Action:            action,
	}
	e.pending = &pendingDecision{id: res.Decision.ID, hints: hints, resetStreaks: resetStreaks}
	e.metrics.ObserveDecision(res.Proposed, string(action))
	logger.Info("Scaling decision",
		"id", res.Decision.ID,
		"target", res.Proposed,
		"effective", in.EffectiveReplicas,
		"eligible", in.EligibleReplicas,
		"loadScore", analysis.LoadScore,
		"rationale", tag)
	return res
}

// Commit marks the decision with the given ID as applied: the streaks that
// produced it restart and its breaker hints become the published posture.
// It reports false when id is not the latest uncommitted decision.
func (e *Engine) Commit(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pending
	if p == nil || p.id != id {
		return false
	}
	e.pending = nil
	e.lastHints = p.hints
	if p.resetStreaks {
		e.highStreak, e.lowStreak = 0, 0
	}
	return true
}

// propose updates the streaks and returns the unlimited target. Caller holds mu.
func (e *Engine) propose(in Input, a saturation.Analysis) (int, string, string) {
	switch {
	case a.LoadScore > e.cfg.HighWatermark:
		e.highStreak++
		e.lowStreak = 0
	case a.LoadScore < e.cfg.LowWatermark:
		e.lowStreak++
		e.highStreak = 0
	default:
		e.highStreak, e.lowStreak = 0, 0
		return in.EffectiveReplicas, a.Dominant, HoldInBand
	}

	base := in.EligibleReplicas
	if base <= 0 {
		base = in.EffectiveReplicas
	}
	base = max(base, 1)
	sized := scaled(base, a.LoadScore)

	switch {
	case e.highStreak >= e.cfg.ScaleUpCycles:
		return max(sized, in.EffectiveReplicas+1), a.Dominant, ""
	case e.lowStreak >= e.cfg.ScaleDownCycles:
		return min(sized, in.EffectiveReplicas-1), a.Dominant, ""
	default:
		return in.EffectiveReplicas, a.Dominant, HoldSustaining
	}
}

// State is the engine's internal counters, for status reporting.
type State struct {
	HighStreak  int
	LowStreak   int
	StaleCycles int
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{HighStreak: e.highStreak, LowStreak: e.lowStreak, StaleCycles: e.staleCycles}
}

func scaled(base int, score float64) int {
	v := math.Ceil(float64(base) * score)
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > maxProposal:
		return maxProposal
	default:
		return int(v)
	}
}

// breakerHints returns the desired posture of every known breaker and the
// sorted IDs of open dependencies. The desired posture is the current state:
// open breakers keep shedding load and scaling does not try to absorb it.
func breakerHints(states map[string]breaker.State) (interfaces.BreakerHints, []string) {
	if len(states) == 0 {
		return nil, nil
	}
	hints := make(interfaces.BreakerHints, len(states))
	var open []string
	for dep, s := range states {
		hints[dep] = s
		if s == breaker.StateOpen {
			open = append(open, dep)
		}
	}
	sort.Strings(open)
	return hints, open
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
