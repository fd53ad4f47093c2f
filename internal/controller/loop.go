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
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/api/v1alpha1"
	"github.com/llm-d/llm-d-reliability-controller/internal/actuator"
	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/engines/scaling"
	"github.com/llm-d/llm-d-reliability-controller/internal/interfaces"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
)

// Actuation failure reasons, used as the reason label of the failure counter.
const (
	FailureReasonTimeout     = "timeout"
	FailureReasonNotAccepted = "not_accepted"
	FailureReasonError       = "error"
	FailureReasonRead        = "read_effective"
)

// ErrCycleOverrun is returned by RunCycle when computing the decision took
// longer than the evaluation period. The decision is not applied and is
// proposed again by the next cycle if the load persists.
var ErrCycleOverrun = errors.New("evaluation exceeded the period")

// CycleResult describes one evaluation cycle.
type CycleResult struct {
	scaling.Result
	EffectiveReplicas int
	EligibleReplicas  int
	// Applied is set when the actuator was called.
	Applied     bool
	ApplyResult interfaces.ApplyResult
	ApplyErr    error
}

// Run evaluates on every tick of the evaluation period until ctx is done.
// A tick that finds the previous cycle still running is skipped.
func (r *Reconciler) Run(ctx context.Context) error {
	period := r.global.GetEvaluationPeriod()
	logger := ctrl.LoggerFrom(ctx).WithValues("period", period)
	ctx = ctrl.LoggerInto(ctx, logger)

	ticker := r.clock.NewTicker(period)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	logger.Info("Starting evaluation loop")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping evaluation loop")
			return nil
		case <-ticker.C():
		}

		if !r.inFlight.CompareAndSwap(false, true) {
			r.missed.Add(1)
			r.metrics.IncMissedCycle()
			logger.Info("Previous evaluation still running, skipping cycle")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.inFlight.Store(false)
			if _, err := r.RunCycle(ctx); err != nil {
				logger.V(logging.DEBUG).Info("Evaluation cycle ended with error", "error", err.Error())
			}
		}()
	}
}

// RunCycle runs one evaluation cycle. Errors are reported for visibility;
// the loop continues regardless.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleResult, error) {
	ctx, span := r.tracer.Start(ctx, "reliability.evaluate")
	defer span.End()
	logger := ctrl.LoggerFrom(ctx)

	start := r.clock.Now()
	var out CycleResult

	effective, err := r.actuator.CurrentEffectiveReplicas(ctx)
	if err != nil {
		r.metrics.IncActuationFailure(FailureReasonRead)
		r.mu.RLock()
		last := r.last
		r.mu.RUnlock()
		if !last.ran {
			span.SetStatus(codes.Error, "effective replicas unknown")
			return out, fmt.Errorf("reading effective replicas: %w", err)
		}
		logger.Error(err, "Failed to read effective replicas, using last known value",
			"effective", last.effective)
		effective = last.effective
	}

	r.refreshGauges()
	eligible := r.supervisor.EligibleCount()
	result := r.engine.Evaluate(ctx, scaling.Input{
		EligibleReplicas:  eligible,
		EffectiveReplicas: effective,
		Breakers:          r.breakers.States(),
	})
	out.Result = result
	out.EffectiveReplicas = effective
	out.EligibleReplicas = eligible

	elapsed := r.clock.Since(start)
	r.metrics.ObserveCycle(effective, result.Analysis.LoadScore, elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("effective_replicas", effective),
		attribute.Int("eligible_replicas", eligible),
		attribute.Float64("load_score", result.Analysis.LoadScore),
		attribute.Int("proposed_replicas", result.Proposed),
	)

	r.mu.Lock()
	r.last = cycleRecord{at: start, effective: effective, eligible: eligible, result: result, ran: true}
	r.setCondition(signalsCondition(result, r.cfg.Scaling))
	r.mu.Unlock()

	if period := r.global.GetEvaluationPeriod(); elapsed > period {
		r.missed.Add(1)
		r.metrics.IncMissedCycle()
		logger.Info("Evaluation exceeded the period, skipping decision",
			"elapsed", elapsed, "period", period)
		span.SetStatus(codes.Error, ErrCycleOverrun.Error())
		return out, ErrCycleOverrun
	}

	if result.Decision == nil {
		logger.V(logging.DEBUG).Info("No scaling decision",
			"holdReason", result.HoldReason,
			"effective", effective,
			"eligible", eligible,
			"loadScore", result.Analysis.LoadScore)
		return out, nil
	}

	decision := *result.Decision
	span.SetAttributes(
		attribute.String("decision_id", decision.ID),
		attribute.String("rationale", decision.RationaleTag),
		attribute.Int("target_replicas", decision.TargetReplicas),
	)
	r.decisions.Set(r.target, r.namespace, decision)

	out.Applied = true
	out.ApplyResult, out.ApplyErr = r.apply(ctx, decision)
	r.decisions.SetResult(r.target, r.namespace, out.ApplyResult, out.ApplyErr)
	if out.ApplyErr != nil {
		span.RecordError(out.ApplyErr)
		span.SetStatus(codes.Error, "actuation failed")
		return out, out.ApplyErr
	}
	r.engine.Commit(decision.ID)
	return out, nil
}

// apply calls the actuator under ApplyTimeout and tracks the failure streak.
func (r *Reconciler) apply(ctx context.Context, d interfaces.ScalingDecision) (interfaces.ApplyResult, error) {
	logger := ctrl.LoggerFrom(ctx).WithValues("decision", d.ID, "target", d.TargetReplicas)

	applyCtx, cancel := context.WithTimeout(ctx, r.cfg.Loop.ApplyTimeout)
	defer cancel()
	ctx, span := r.tracer.Start(applyCtx, "reliability.apply")
	defer span.End()

	res, err := r.actuator.Apply(ctx, d)
	if err == nil && res.DecisionID == "" {
		res.DecisionID = d.ID
	}
	if err == nil && !res.Accepted {
		err = actuator.ErrNotAccepted
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		if r.consecutiveFailures > 0 {
			logger.Info("Actuation recovered", "failedAttempts", r.consecutiveFailures)
		}
		r.consecutiveFailures = 0
		r.metrics.SetActuationDegraded(false)
		r.setCondition(metav1.Condition{
			Type:    v1alpha1.TypeActuationHealthy,
			Status:  metav1.ConditionTrue,
			Reason:  v1alpha1.ReasonActuationSucceeded,
			Message: fmt.Sprintf("Decision %s applied", d.ID),
		})
		return res, nil
	}

	res.DecisionID = d.ID
	res.Accepted = false
	reason := FailureReasonError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = FailureReasonTimeout
	case errors.Is(err, actuator.ErrNotAccepted):
		reason = FailureReasonNotAccepted
	}
	r.metrics.IncActuationFailure(reason)
	span.RecordError(err)
	r.consecutiveFailures++

	budget := r.cfg.Loop.ActuationRetryBudget
	cond := metav1.Condition{
		Type:    v1alpha1.TypeActuationHealthy,
		Status:  metav1.ConditionTrue,
		Reason:  v1alpha1.ReasonActuationFailing,
		Message: fmt.Sprintf("%d consecutive failed actuations: %v", r.consecutiveFailures, err),
	}
	if r.consecutiveFailures >= budget {
		cond.Status = metav1.ConditionFalse
		cond.Reason = v1alpha1.ReasonActuationDegraded
		r.metrics.SetActuationDegraded(true)
		if r.consecutiveFailures == budget {
			logger.Info("Actuation retry budget exhausted, actuation degraded", "budget", budget)
		}
	}
	r.setCondition(cond)
	logger.Error(err, "Failed to apply scaling decision",
		"reason", reason, "consecutiveFailures", r.consecutiveFailures)
	return res, err
}

// refreshGauges updates the state gauges that are not driven by events.
// Reading breaker state also applies pending time-driven transitions.
func (r *Reconciler) refreshGauges() {
	counts := r.supervisor.Counts()
	byName := make(map[string]int, len(counts))
	for s, n := range counts {
		byName[string(s)] = n
	}
	r.metrics.SetInstanceCounts(byName)
	for _, s := range r.breakers.Snapshot() {
		r.metrics.SetBreakerState(s.DependencyID, string(s.State), breaker.StateNames())
	}
}

// setCondition stamps the transition time from the loop clock. Caller holds mu.
func (r *Reconciler) setCondition(c metav1.Condition) {
	c.LastTransitionTime = metav1.NewTime(r.clock.Now())
	meta.SetStatusCondition(&r.conditions, c)
}

func signalsCondition(res scaling.Result, cfg config.ScalingConfig) metav1.Condition {
	if !res.Analysis.Stale() {
		return metav1.Condition{
			Type:    v1alpha1.TypeSignalsAvailable,
			Status:  metav1.ConditionTrue,
			Reason:  v1alpha1.ReasonSignalsPresent,
			Message: fmt.Sprintf("Load score %.2f driven by %s", res.Analysis.LoadScore, res.Analysis.Dominant),
		}
	}
	c := metav1.Condition{
		Type:    v1alpha1.TypeSignalsAvailable,
		Status:  metav1.ConditionFalse,
		Reason:  v1alpha1.ReasonSignalsMissing,
		Message: fmt.Sprintf("Missing %v for %d cycles", res.Analysis.Missing, res.StaleCycles),
	}
	if res.StaleCycles >= cfg.StalenessLimit {
		c.Reason = v1alpha1.ReasonSignalsStale
		c.Message = fmt.Sprintf("Missing %v for %d cycles, holding at least %d replicas",
			res.Analysis.Missing, res.StaleCycles, cfg.StaleFloorReplicas)
	}
	return c
}

// RunFailedInstanceHandler calls handle for every instance that reaches the
// failed state until ctx is done.
func (r *Reconciler) RunFailedInstanceHandler(ctx context.Context, handle func(ctx context.Context, instanceID string) error) error {
	logger := ctrl.LoggerFrom(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-r.failed:
			if err := handle(ctx, id); err != nil {
				logger.Error(err, "Failed to hand off failed instance", "instance", id)
			}
		}
	}
}

// RunOverridesRefresher reloads breaker overrides every interval until ctx
// is done. Load errors keep the current overrides.
func (r *Reconciler) RunOverridesRefresher(ctx context.Context, interval time.Duration, load func(ctx context.Context) (config.BreakerOverrides, error)) error {
	logger := ctrl.LoggerFrom(ctx)
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		overrides, err := load(ctx)
		if err != nil {
			logger.Error(err, "Failed to reload breaker overrides, keeping current ones")
			continue
		}
		r.ReloadBreakerOverrides(overrides)
	}
}
