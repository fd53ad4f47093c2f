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
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d/llm-d-reliability-controller/api/v1alpha1"
	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/interfaces"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
	"github.com/llm-d/llm-d-reliability-controller/internal/probe"
)

var _ = Describe("Reconciler", func() {
	var (
		ctx    context.Context
		cfg    *config.Config
		clk    *testingclock.FakeClock
		m      *metrics.Metrics
		act    *fakeActuator
		period time.Duration
	)

	newReconciler := func() *Reconciler {
		r, err := NewReconciler(cfg, Options{
			Actuator:  act,
			Clock:     clk,
			Metrics:   m,
			Namespace: "shop",
			Target:    "api",
		})
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	// cycle advances the clock by one period and runs a cycle.
	cycle := func(r *Reconciler) (CycleResult, error) {
		clk.Step(period)
		return r.RunCycle(ctx)
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = config.Default()
		period = cfg.Loop.EvaluationPeriod
		clk = testingclock.NewFakeClock(t0)
		m = metrics.New(prometheus.NewRegistry())
		act = &fakeActuator{effective: 4}
	})

	Context("construction", func() {
		It("should require a config and an actuator", func() {
			_, err := NewReconciler(nil, Options{Actuator: act})
			Expect(err).To(HaveOccurred())
			_, err = NewReconciler(cfg, Options{})
			Expect(err).To(HaveOccurred())
		})

		It("should reject an invalid scaling policy", func() {
			cfg.Scaling.ScaleUpMaxRate = 0.5
			_, err := NewReconciler(cfg, Options{Actuator: act})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("scaling", func() {
		It("should apply exactly one decision for sustained high latency", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)

			res, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Decision).To(BeNil())
			Expect(res.HighStreak).To(Equal(1))

			res, err = cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Applied).To(BeTrue())

			applied := act.Applied()
			Expect(applied).To(HaveLen(1))
			Expect(applied[0].TargetReplicas).To(Equal(8))
			Expect(applied[0].RationaleTag).To(Equal("scale_up:latency"))
			Expect(applied[0].Action).To(Equal(interfaces.ActionScaleUp))

			rec, ok := r.LatestDecision()
			Expect(ok).To(BeTrue())
			Expect(rec.Decision.ID).To(Equal(applied[0].ID))
			Expect(rec.Result).NotTo(BeNil())
			Expect(rec.Result.Accepted).To(BeTrue())
		})

		It("should propose a failed scale-up again on the next cycle", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)
			boom := errors.New("api unavailable")
			act.set(func(f *fakeActuator) {
				f.apply = func(context.Context, interfaces.ScalingDecision) (interfaces.ApplyResult, error) {
					return interfaces.ApplyResult{}, boom
				}
			})

			res, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Decision).To(BeNil())
			_, err = cycle(r)
			Expect(err).To(MatchError(boom))
			Expect(r.Status().Engine.HighStreak).To(Equal(int32(2)))

			act.set(func(f *fakeActuator) { f.apply = nil })
			res, err = cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Applied).To(BeTrue())
			Expect(res.Decision.TargetReplicas).To(Equal(8))

			applied := act.Applied()
			Expect(applied).To(HaveLen(2))
			Expect(applied[1].ID).NotTo(Equal(applied[0].ID))
			Expect(r.Status().Engine.HighStreak).To(BeZero())
		})

		It("should propose a scale-up dropped by an overrun on the next cycle", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)

			_, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			act.set(func(f *fakeActuator) {
				f.onRead = func() { clk.Step(period + time.Second) }
			})
			_, err = cycle(r)
			Expect(err).To(MatchError(ErrCycleOverrun))
			Expect(act.Applied()).To(BeEmpty())

			act.set(func(f *fakeActuator) { f.onRead = nil })
			serve(r, 100, 750*time.Millisecond, 0)
			res, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Applied).To(BeTrue())
			Expect(act.Applied()).To(HaveLen(1))
			Expect(act.Applied()[0].TargetReplicas).To(Equal(8))
		})

		It("should never apply anything while holding", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 100*time.Millisecond, 0)

			for i := 0; i < 10; i++ {
				res, err := cycle(r)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Applied).To(BeFalse())
			}
			Expect(act.Applied()).To(BeEmpty())
		})

		It("should degrade to the replica floor when signals go missing", func() {
			act.effective = 1
			r := newReconciler()

			var res CycleResult
			for i := 0; i < cfg.Scaling.StalenessLimit; i++ {
				var err error
				res, err = cycle(r)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(res.Applied).To(BeTrue())
			Expect(res.Decision.TargetReplicas).To(Equal(cfg.Scaling.StaleFloorReplicas))

			st := r.Status()
			c := st.GetCondition(v1alpha1.TypeSignalsAvailable)
			Expect(c).NotTo(BeNil())
			Expect(c.Status).To(Equal(metav1.ConditionFalse))
			Expect(c.Reason).To(Equal(v1alpha1.ReasonSignalsStale))
			Expect(st.Signals.LatencyP99Seconds).To(BeNil())
			Expect(st.Signals.Missing).To(ConsistOf("request", "latency"))
		})
	})

	Context("breakers", func() {
		BeforeEach(func() {
			cfg.Breaker.CoolDown = 5 * time.Minute
			cfg.Breaker.MaxCoolDown = 10 * time.Minute
		})

		tripPayments := func(r *Reconciler, failures int) {
			for i := 0; i < 4; i++ {
				Expect(r.ReportDependencyCall("payments", breaker.OutcomeSuccess)).To(Succeed())
			}
			for i := 0; i < failures; i++ {
				Expect(r.ReportDependencyCall("payments", breaker.OutcomeFailure)).To(Succeed())
			}
		}

		It("should open on 6 failures out of 10 and reject further calls", func() {
			r := newReconciler()
			tripPayments(r, 6)

			b := r.Breakers().Get("payments")
			Expect(b.State().State).To(Equal(breaker.StateOpen))
			_, err := b.Allow()
			Expect(err).To(MatchError(breaker.ErrOpen))

			Expect(testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("payments", "closed", "open"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.BreakerRejected.WithLabelValues("payments"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.BreakerState.WithLabelValues("payments", "open"))).To(Equal(1.0))

			st := r.Status()
			Expect(st.Breakers).To(HaveLen(1))
			Expect(st.Breakers[0].State).To(Equal("open"))
			Expect(st.Breakers[0].OpenUntil).NotTo(BeNil())
			Expect(st.Breakers[0].Rejected).To(Equal(uint64(1)))
			Expect(st.Breakers[0].WindowTrips).To(Equal(int32(1)))
			Expect(st.Signals.BreakerTripRate).To(BeNumerically("~", 1/cfg.Window.Duration.Seconds(), 1e-9))
		})

		It("should count every transition of a breaker in the window", func() {
			cfg.Breaker.CoolDown = 5 * time.Second
			r := newReconciler()
			tripPayments(r, 6)

			clk.Step(cfg.Breaker.CoolDown)
			Expect(r.ReportDependencyCall("payments", breaker.OutcomeSuccess)).To(Succeed())
			Expect(r.Breakers().Get("payments").State().State).To(Equal(breaker.StateClosed))

			st := r.Status()
			Expect(st.Breakers).To(HaveLen(1))
			Expect(st.Breakers[0].WindowTrips).To(Equal(int32(1)))
			Expect(st.Breakers[0].WindowHalfOpens).To(Equal(int32(1)))
			Expect(st.Breakers[0].WindowResets).To(Equal(int32(1)))

			clk.Step(cfg.Window.Duration + time.Second)
			st = r.Status()
			Expect(st.Breakers[0].WindowTrips).To(BeZero())
			Expect(st.Signals.BreakerTripRate).To(BeZero())
		})

		It("should publish the breaker posture as a no-change decision", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 100*time.Millisecond, 0)
			tripPayments(r, 6)

			res, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Applied).To(BeTrue())
			d := act.Applied()[0]
			Expect(d.TargetReplicas).To(Equal(4))
			Expect(d.Action).To(Equal(interfaces.ActionNoChange))
			Expect(d.RationaleTag).To(Equal(interfaces.RationaleBreakerHints))
			Expect(d.BreakerHints).To(Equal(interfaces.BreakerHints{"payments": breaker.StateOpen}))

			// unchanged posture: nothing new to apply
			res, err = cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Applied).To(BeFalse())
		})

		It("should not scale up for errors attributed to an open dependency", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 100*time.Millisecond, 30)
			tripPayments(r, 30)

			for i := 0; i < 3; i++ {
				_, err := cycle(r)
				Expect(err).NotTo(HaveOccurred())
			}
			for _, d := range act.Applied() {
				Expect(d.TargetReplicas).To(Equal(4))
			}
			st := r.Status()
			Expect(st.Signals.ErrorRate).To(BeNumerically(">", 0.2))
			Expect(st.Signals.AdjustedErrorRate).To(BeNumerically("~", 0, 1e-9))
		})

		It("should scale up for the same errors without a breaker", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 100*time.Millisecond, 30)

			_, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			_, err = cycle(r)
			Expect(err).NotTo(HaveOccurred())

			applied := act.Applied()
			Expect(applied).To(HaveLen(1))
			Expect(applied[0].TargetReplicas).To(Equal(8))
			Expect(applied[0].RationaleTag).To(Equal("scale_up:error_rate"))
		})

		It("should validate dependency reports", func() {
			r := newReconciler()
			Expect(r.ReportDependencyCall("", breaker.OutcomeSuccess)).NotTo(Succeed())
			Expect(r.ReportDependencyCall("payments", breaker.Outcome("maybe"))).NotTo(Succeed())
		})

		It("should reload overrides into existing breakers", func() {
			r := newReconciler()
			Expect(r.ReportDependencyCall("search", breaker.OutcomeFailure)).To(Succeed())
			r.ReloadBreakerOverrides(config.BreakerOverrides{
				"search": {DependencyID: "search", BreakerConfig: config.BreakerConfig{MinimumCalls: 2}},
			})
			Expect(r.ReportDependencyCall("search", breaker.OutcomeFailure)).To(Succeed())
			Expect(r.Breakers().Get("search").State().State).To(Equal(breaker.StateOpen))
		})
	})

	Context("actuation failures", func() {
		BeforeEach(func() {
			cfg.Scaling.ScaleUpCycles = 1
		})

		It("should raise the degraded condition once the retry budget is spent", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)
			boom := errors.New("api unavailable")
			act.set(func(f *fakeActuator) {
				f.apply = func(context.Context, interfaces.ScalingDecision) (interfaces.ApplyResult, error) {
					return interfaces.ApplyResult{}, boom
				}
			})

			for i := 1; i <= cfg.Loop.ActuationRetryBudget; i++ {
				_, err := cycle(r)
				Expect(err).To(MatchError(boom))
				st := r.Status()
				c := st.GetCondition(v1alpha1.TypeActuationHealthy)
				Expect(c).NotTo(BeNil())
				if i < cfg.Loop.ActuationRetryBudget {
					Expect(c.Status).To(Equal(metav1.ConditionTrue))
					Expect(c.Reason).To(Equal(v1alpha1.ReasonActuationFailing))
				} else {
					Expect(c.Status).To(Equal(metav1.ConditionFalse))
					Expect(c.Reason).To(Equal(v1alpha1.ReasonActuationDegraded))
				}
			}
			Expect(testutil.ToFloat64(m.ActuationDegraded)).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.ActuationFailures.WithLabelValues(FailureReasonError))).To(Equal(3.0))

			st := r.Status()
			Expect(st.LatestDecision).NotTo(BeNil())
			Expect(st.LatestDecision.Applied).To(BeTrue())
			Expect(st.LatestDecision.Accepted).To(BeFalse())
			Expect(st.LatestDecision.ApplyError).To(ContainSubstring("api unavailable"))

			act.set(func(f *fakeActuator) { f.apply = nil })
			serve(r, 100, 750*time.Millisecond, 0)
			_, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			st = r.Status()
			c := st.GetCondition(v1alpha1.TypeActuationHealthy)
			Expect(c.Status).To(Equal(metav1.ConditionTrue))
			Expect(c.Reason).To(Equal(v1alpha1.ReasonActuationSucceeded))
			Expect(testutil.ToFloat64(m.ActuationDegraded)).To(Equal(0.0))
		})

		It("should treat an apply timeout as a failed actuation", func() {
			cfg.Loop.ApplyTimeout = 20 * time.Millisecond
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)
			act.set(func(f *fakeActuator) {
				f.apply = func(ctx context.Context, _ interfaces.ScalingDecision) (interfaces.ApplyResult, error) {
					<-ctx.Done()
					return interfaces.ApplyResult{}, ctx.Err()
				}
			})

			res, err := cycle(r)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(res.ApplyResult.Accepted).To(BeFalse())
			Expect(testutil.ToFloat64(m.ActuationFailures.WithLabelValues(FailureReasonTimeout))).To(Equal(1.0))
		})

		It("should count a rejected target as not accepted", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)
			act.set(func(f *fakeActuator) {
				f.apply = func(_ context.Context, d interfaces.ScalingDecision) (interfaces.ApplyResult, error) {
					return interfaces.ApplyResult{DecisionID: d.ID, EffectiveReplicas: 4}, nil
				}
			})

			_, err := cycle(r)
			Expect(err).To(HaveOccurred())
			Expect(testutil.ToFloat64(m.ActuationFailures.WithLabelValues(FailureReasonNotAccepted))).To(Equal(1.0))
		})

		It("should fall back to the last known effective count", func() {
			r := newReconciler()
			act.set(func(f *fakeActuator) { f.readErr = errors.New("unreachable") })
			_, err := cycle(r)
			Expect(err).To(HaveOccurred())
			Expect(r.Ready(ctx)).To(BeFalse())

			act.set(func(f *fakeActuator) { f.readErr = nil })
			_, err = cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Ready(ctx)).To(BeTrue())

			act.set(func(f *fakeActuator) {
				f.readErr = errors.New("unreachable")
				f.effective = 100
			})
			res, err := cycle(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.EffectiveReplicas).To(Equal(4))
			Expect(testutil.ToFloat64(m.ActuationFailures.WithLabelValues(FailureReasonRead))).To(Equal(2.0))
		})
	})

	Context("cadence", func() {
		It("should skip a decision that took longer than the period", func() {
			cfg.Scaling.ScaleUpCycles = 1
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)
			act.set(func(f *fakeActuator) {
				f.onRead = func() { clk.Step(period + time.Second) }
			})

			_, err := r.RunCycle(ctx)
			Expect(err).To(MatchError(ErrCycleOverrun))
			Expect(act.Applied()).To(BeEmpty())
			Expect(r.Status().MissedCycles).To(Equal(uint64(1)))
			Expect(testutil.ToFloat64(m.MissedCycles)).To(Equal(1.0))
		})

		It("should skip ticks while a cycle is in flight", func() {
			r := newReconciler()
			entered := make(chan struct{}, 1)
			release := make(chan struct{})
			act.set(func(f *fakeActuator) {
				f.onRead = func() {
					entered <- struct{}{}
					<-release
				}
			})

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- r.Run(runCtx) }()

			Eventually(clk.HasWaiters).Should(BeTrue())
			clk.Step(period)
			Eventually(entered).Should(Receive())

			clk.Step(period)
			Eventually(func() uint64 { return r.Status().MissedCycles }).Should(Equal(uint64(1)))

			act.set(func(f *fakeActuator) { f.onRead = nil })
			close(release)
			Eventually(func() bool { return r.Ready(ctx) }).Should(BeTrue())

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	Context("instances", func() {
		It("should report failed instances for replacement", func() {
			r := newReconciler()
			ids := makeReady(r, 2)

			for i := 0; i < cfg.Probe.LivenessFailureThreshold; i++ {
				Expect(r.ReportProbe(ids[1], probe.KindLiveness, probe.OutcomeFail)).To(Succeed())
			}
			Eventually(r.FailedInstances()).Should(Receive(Equal(ids[1])))

			st := r.Status()
			Expect(st.EligibleReplicas).To(Equal(int32(1)))
			Expect(st.InstanceCounts).To(HaveKeyWithValue("failed", int32(1)))
			Expect(st.Instances).To(HaveLen(2))
			Expect(st.Instances[1].State).To(Equal("failed"))

			// the identity cannot come back, even after it was removed
			Expect(r.RegisterInstance(ids[1])).To(MatchError(probe.ErrInstanceFailed))
			Expect(r.DeregisterInstance(ids[1])).To(BeTrue())
			Expect(r.RegisterInstance(ids[1])).To(MatchError(probe.ErrInstanceFailed))
		})

		It("should hand failed instances to the handler", func() {
			r := newReconciler()
			ids := makeReady(r, 1)
			handled := make(chan string, 1)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				_ = r.RunFailedInstanceHandler(runCtx, func(_ context.Context, id string) error {
					handled <- id
					return nil
				})
			}()

			for i := 0; i < cfg.Probe.LivenessFailureThreshold; i++ {
				Expect(r.ReportProbe(ids[0], probe.KindLiveness, probe.OutcomeFail)).To(Succeed())
			}
			Eventually(handled).Should(Receive(Equal(ids[0])))
		})
	})

	Context("status", func() {
		It("should serialize a complete status", func() {
			r := newReconciler()
			makeReady(r, 4)
			serve(r, 100, 750*time.Millisecond, 0)
			Expect(r.ReportSaturation("inst-a", 0.5)).To(Succeed())
			Expect(r.ReportDependencyCall("payments", breaker.OutcomeSuccess)).To(Succeed())
			_, _ = cycle(r)
			_, _ = cycle(r)

			st := r.Status()
			Expect(st.EffectiveReplicas).To(Equal(int32(4)))
			Expect(st.EligibleReplicas).To(Equal(int32(4)))
			Expect(*st.Signals.LatencyP99Seconds).To(BeNumerically("~", 0.75, 0.01))
			Expect(*st.Signals.Saturation).To(BeNumerically("~", 0.5, 1e-9))
			Expect(st.Signals.Dominant).To(Equal("latency"))
			Expect(st.LatestDecision).NotTo(BeNil())
			Expect(st.LatestDecision.TargetReplicas).To(Equal(int32(8)))
			Expect(st.LatestDecision.BreakerHints).To(Equal(map[string]string{"payments": "closed"}))
			Expect(st.LatestDecision.Accepted).To(BeTrue())
			Expect(st.GetCondition(v1alpha1.TypeSignalsAvailable).Status).To(Equal(metav1.ConditionTrue))

			_, err := json.Marshal(st)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
