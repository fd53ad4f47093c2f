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

package controller

import (
	"context"
	"math"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/llm-d/llm-d-reliability-controller/api/v1alpha1"
	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/engines/common"
	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
	"github.com/llm-d/llm-d-reliability-controller/internal/probe"
)

// Status assembles the read-only status document.
func (r *Reconciler) Status() v1alpha1.ReliabilityStatus {
	now := r.clock.Now()

	r.mu.RLock()
	last := r.last
	conditions := make([]metav1.Condition, len(r.conditions))
	copy(conditions, r.conditions)
	r.mu.RUnlock()

	st := v1alpha1.ReliabilityStatus{
		ObservedAt:        metav1.NewTime(now),
		EffectiveReplicas: clampInt32(last.effective),
		EligibleReplicas:  clampInt32(r.supervisor.EligibleCount()),
		InstanceCounts:    make(map[string]int32, len(probe.AllStates)),
		Signals:           r.signalsStatus(last),
		MissedCycles:      r.missed.Load(),
		DroppedSamples:    r.aggregator.Dropped(),
		Conditions:        conditions,
	}

	for s, n := range r.supervisor.Counts() {
		st.InstanceCounts[string(s)] = clampInt32(n)
	}
	for _, h := range r.supervisor.Snapshot() {
		st.Instances = append(st.Instances, v1alpha1.InstanceStatus{
			ID:                   h.InstanceID,
			State:                string(h.State),
			ConsecutiveFailures:  clampInt32(h.ConsecutiveFailures),
			ConsecutiveSuccesses: clampInt32(h.ConsecutiveSuccesses),
			LastTransitionTime:   metav1.NewTime(h.LastTransitionTime),
		})
	}
	for _, b := range r.breakers.Snapshot() {
		bs := breakerStatus(b)
		bs.WindowTrips = r.windowCount(metricscache.KindBreakerTrip, b.DependencyID)
		bs.WindowHalfOpens = r.windowCount(metricscache.KindBreakerHalfOpen, b.DependencyID)
		bs.WindowResets = r.windowCount(metricscache.KindBreakerReset, b.DependencyID)
		st.Breakers = append(st.Breakers, bs)
	}

	engine := r.engine.State()
	st.Engine = v1alpha1.EngineStatus{
		HighStreak:  clampInt32(engine.HighStreak),
		LowStreak:   clampInt32(engine.LowStreak),
		StaleCycles: clampInt32(engine.StaleCycles),
		HoldReason:  last.result.HoldReason,
	}

	if rec, ok := r.decisions.Get(r.target, r.namespace); ok {
		st.LatestDecision = decisionStatus(rec)
	}
	return st
}

// LatestDecision returns the latest decision and its apply outcome.
func (r *Reconciler) LatestDecision() (common.DecisionRecord, bool) {
	return r.decisions.Get(r.target, r.namespace)
}

// Ready reports whether the loop has completed at least one cycle.
func (r *Reconciler) Ready(context.Context) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last.ran
}

func (r *Reconciler) signalsStatus(last cycleRecord) v1alpha1.SignalsStatus {
	latency := r.aggregator.Snapshot(metricscache.KindLatency)
	saturation := r.aggregator.Snapshot(metricscache.KindSaturation)
	a := last.result.Analysis

	s := v1alpha1.SignalsStatus{
		LatencyP50Seconds: v1alpha1.OptionalFloat(latency.P50),
		LatencyP95Seconds: v1alpha1.OptionalFloat(latency.P95),
		LatencyP99Seconds: v1alpha1.OptionalFloat(latency.P99),
		RequestRate:       r.aggregator.Snapshot(metricscache.KindRequest).Rate,
		ErrorRate:         a.ErrorRate,
		AdjustedErrorRate: a.AdjustedErrorRate,
		BreakerTripRate:   r.aggregator.KindRate(metricscache.KindBreakerTrip),
		Saturation:        v1alpha1.OptionalFloat(saturation.Mean),
		LoadScore:         a.LoadScore,
		Dominant:          a.Dominant,
	}
	for _, k := range a.Missing {
		s.Missing = append(s.Missing, string(k))
	}
	return s
}

func (r *Reconciler) windowCount(kind metricscache.MetricKind, dependency string) int32 {
	return clampInt32(r.aggregator.SnapshotFor(kind, dependency).Count)
}

func breakerStatus(b breaker.BreakerState) v1alpha1.BreakerStatus {
	out := v1alpha1.BreakerStatus{
		Dependency:            b.DependencyID,
		State:                 string(b.State),
		FailureCount:          clampInt32(b.FailureCount),
		LastStateChange:       metav1.NewTime(b.LastStateChange),
		HalfOpenProbeInFlight: b.HalfOpenProbeInFlight,
		CoolDown:              metav1.Duration{Duration: b.CoolDown},
		WindowCalls:           clampInt32(b.WindowCalls),
		WindowFailures:        clampInt32(b.WindowFailures),
		Rejected:              b.Rejected,
	}
	if !b.OpenUntil.IsZero() {
		t := metav1.NewTime(b.OpenUntil)
		out.OpenUntil = &t
	}
	return out
}

func decisionStatus(rec common.DecisionRecord) *v1alpha1.DecisionStatus {
	d := rec.Decision
	out := &v1alpha1.DecisionStatus{
		ID:                d.ID,
		TargetReplicas:    clampInt32(d.TargetReplicas),
		EffectiveReplicas: clampInt32(d.EffectiveReplicas),
		DecidedAt:         metav1.NewTime(d.DecidedAt),
		RationaleTag:      d.RationaleTag,
		Action:            string(d.Action),
		ApplyError:        rec.ApplyErr,
	}
	if !math.IsNaN(d.LoadScore) && !math.IsInf(d.LoadScore, 0) {
		out.LoadScore = d.LoadScore
	}
	if len(d.BreakerHints) > 0 {
		out.BreakerHints = make(map[string]string, len(d.BreakerHints))
		for dep, s := range d.BreakerHints {
			out.BreakerHints[dep] = string(s)
		}
	}
	if rec.Result != nil {
		out.Applied = true
		out.Accepted = rec.Result.Accepted
	}
	return out
}

func clampInt32(v int) int32 {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	default:
		return int32(v)
	}
}
