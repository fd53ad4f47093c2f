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

package probe

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func defaultProbeConfig() config.ProbeConfig {
	return config.Default().Probe
}

var _ = Describe("Transition table", func() {
	DescribeTable("CanTransition",
		func(from, to State, want bool) {
			Expect(CanTransition(from, to)).To(Equal(want))
		},
		Entry("starting -> ready", StateStarting, StateReady, true),
		Entry("starting -> failed", StateStarting, StateFailed, true),
		Entry("starting -> unready", StateStarting, StateUnready, false),
		Entry("ready -> unready", StateReady, StateUnready, true),
		Entry("ready -> failed", StateReady, StateFailed, true),
		Entry("unready -> ready", StateUnready, StateReady, true),
		Entry("unready -> failed", StateUnready, StateFailed, true),
		Entry("failed -> ready", StateFailed, StateReady, false),
		Entry("failed -> starting", StateFailed, StateStarting, false),
		Entry("failed -> unready", StateFailed, StateUnready, false),
	)

	It("parses probe kinds and outcomes", func() {
		k, err := ParseKind("readiness")
		Expect(err).NotTo(HaveOccurred())
		Expect(k).To(Equal(KindReadiness))
		_, err = ParseKind("tcp")
		Expect(err).To(HaveOccurred())

		o, err := ParseOutcome("fail")
		Expect(err).NotTo(HaveOccurred())
		Expect(o).To(Equal(OutcomeFail))
		_, err = ParseOutcome("maybe")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Supervisor", func() {
	var (
		clk         *testingclock.FakeClock
		sup         *Supervisor
		transitions []Transition
		mu          sync.Mutex
	)

	state := func(id string) State {
		h, ok := sup.Get(id)
		Expect(ok).To(BeTrue())
		return h.State
	}

	report := func(id string, kind Kind, outcome Outcome, times int) {
		for i := 0; i < times; i++ {
			Expect(sup.ReportProbe(id, kind, outcome)).To(Succeed())
		}
	}

	makeReady := func(id string) {
		Expect(sup.Register(id)).To(Succeed())
		report(id, KindStartup, OutcomePass, 1)
		report(id, KindReadiness, OutcomePass, 1)
		Expect(state(id)).To(Equal(StateReady))
	}

	BeforeEach(func() {
		clk = testingclock.NewFakeClock(t0)
		transitions = nil
		sup = NewSupervisor(defaultProbeConfig(), clk, nil, func(t Transition) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, t)
		})
	})

	Context("registration", func() {
		It("starts new instances in starting", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			h, ok := sup.Get("pod-a")
			Expect(ok).To(BeTrue())
			Expect(h.State).To(Equal(StateStarting))
			Expect(h.RegisteredAt).To(Equal(t0))
		})

		It("is idempotent for live instances", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			report("pod-a", KindStartup, OutcomePass, 1)
			Expect(sup.Register("pod-a")).To(Succeed())
			h, _ := sup.Get("pod-a")
			Expect(h.StartupPassed).To(BeTrue())
		})

		It("rejects an empty instance id", func() {
			Expect(sup.Register("")).To(MatchError(ErrInvalidProbeReport))
		})

		It("rejects reports for unknown instances", func() {
			Expect(sup.ReportProbe("ghost", KindReadiness, OutcomePass)).To(MatchError(ErrUnknownInstance))
		})

		It("rejects unknown probe kinds and outcomes", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			Expect(sup.ReportProbe("pod-a", Kind("tcp"), OutcomePass)).To(MatchError(ErrInvalidProbeReport))
			Expect(sup.ReportProbe("pod-a", KindReadiness, Outcome("maybe"))).To(MatchError(ErrInvalidProbeReport))
		})

		It("forgets deregistered instances", func() {
			makeReady("pod-a")
			Expect(sup.Deregister("pod-a")).To(BeTrue())
			Expect(sup.Deregister("pod-a")).To(BeFalse())
			Expect(sup.EligibleCount()).To(Equal(0))
			_, ok := sup.Get("pod-a")
			Expect(ok).To(BeFalse())

			// a healthy identity may come back
			Expect(sup.Register("pod-a")).To(Succeed())
			Expect(state("pod-a")).To(Equal(StateStarting))
		})
	})

	Context("startup", func() {
		It("holds readiness during the grace period", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			report("pod-a", KindReadiness, OutcomePass, 3)
			Expect(state("pod-a")).To(Equal(StateStarting))

			clk.Step(10 * time.Second)
			report("pod-a", KindReadiness, OutcomePass, 1)
			Expect(state("pod-a")).To(Equal(StateReady))
		})

		It("ends the grace period early on a startup pass", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			report("pod-a", KindStartup, OutcomePass, 1)
			report("pod-a", KindReadiness, OutcomePass, 1)
			Expect(state("pod-a")).To(Equal(StateReady))
			Expect(transitions).To(HaveLen(1))
			Expect(transitions[0]).To(Equal(Transition{
				InstanceID: "pod-a", From: StateStarting, To: StateReady, At: t0, Reason: "ReadinessPassed",
			}))
		})

		It("does not make a starting instance unready", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			report("pod-a", KindReadiness, OutcomeFail, 10)
			Expect(state("pod-a")).To(Equal(StateStarting))
		})

		It("fails an instance whose startup probe keeps failing", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			report("pod-a", KindStartup, OutcomeFail, 2)
			Expect(state("pod-a")).To(Equal(StateStarting))
			report("pod-a", KindStartup, OutcomeFail, 1)
			Expect(state("pod-a")).To(Equal(StateFailed))
		})

		It("requires N consecutive successes", func() {
			cfg := defaultProbeConfig()
			cfg.SuccessThreshold = 3
			cfg.StartupGracePeriod = 0
			sup = NewSupervisor(cfg, clk, nil)
			Expect(sup.Register("pod-a")).To(Succeed())
			report("pod-a", KindReadiness, OutcomePass, 2)
			report("pod-a", KindReadiness, OutcomeFail, 1)
			report("pod-a", KindReadiness, OutcomePass, 2)
			Expect(state("pod-a")).To(Equal(StateStarting))
			report("pod-a", KindReadiness, OutcomePass, 1)
			Expect(state("pod-a")).To(Equal(StateReady))
		})
	})

	Context("readiness", func() {
		It("moves ready -> unready after M consecutive failures", func() {
			makeReady("pod-a")
			report("pod-a", KindReadiness, OutcomeFail, 2)
			report("pod-a", KindReadiness, OutcomePass, 1)
			report("pod-a", KindReadiness, OutcomeFail, 2)
			Expect(state("pod-a")).To(Equal(StateReady))
			report("pod-a", KindReadiness, OutcomeFail, 1)
			Expect(state("pod-a")).To(Equal(StateUnready))
			Expect(sup.EligibleCount()).To(Equal(0))
		})

		It("moves unready -> ready after N consecutive successes", func() {
			makeReady("pod-a")
			report("pod-a", KindReadiness, OutcomeFail, 3)
			clk.Step(time.Minute)
			report("pod-a", KindReadiness, OutcomePass, 1)
			h, _ := sup.Get("pod-a")
			Expect(h.State).To(Equal(StateReady))
			Expect(h.LastTransitionTime).To(Equal(t0.Add(time.Minute)))
		})
	})

	Context("liveness", func() {
		It("fails an instance after K consecutive liveness failures regardless of readiness", func() {
			makeReady("pod-a")
			report("pod-a", KindLiveness, OutcomeFail, 1)
			report("pod-a", KindReadiness, OutcomePass, 2)
			report("pod-a", KindLiveness, OutcomeFail, 1)
			report("pod-a", KindReadiness, OutcomeFail, 3)
			Expect(state("pod-a")).To(Equal(StateUnready))
			report("pod-a", KindReadiness, OutcomePass, 1)
			Expect(state("pod-a")).To(Equal(StateReady))
			report("pod-a", KindLiveness, OutcomeFail, 1)
			Expect(state("pod-a")).To(Equal(StateFailed))
		})

		It("resets the liveness streak on a pass", func() {
			makeReady("pod-a")
			report("pod-a", KindLiveness, OutcomeFail, 2)
			report("pod-a", KindLiveness, OutcomePass, 1)
			report("pod-a", KindLiveness, OutcomeFail, 2)
			Expect(state("pod-a")).To(Equal(StateReady))
		})

		It("fails a starting instance", func() {
			Expect(sup.Register("pod-a")).To(Succeed())
			report("pod-a", KindLiveness, OutcomeFail, 3)
			Expect(state("pod-a")).To(Equal(StateFailed))
		})
	})

	Context("failed is terminal", func() {
		BeforeEach(func() {
			makeReady("pod-a")
			report("pod-a", KindLiveness, OutcomeFail, 3)
			Expect(state("pod-a")).To(Equal(StateFailed))
		})

		It("ignores every later probe", func() {
			for _, kind := range []Kind{KindLiveness, KindReadiness, KindStartup} {
				report("pod-a", kind, OutcomePass, 5)
			}
			Expect(state("pod-a")).To(Equal(StateFailed))
			Expect(sup.EligibleCount()).To(Equal(0))
		})

		It("does not allow the identity to be re-registered", func() {
			Expect(sup.Register("pod-a")).To(MatchError(ErrInstanceFailed))
		})

		It("keeps the identity unusable after it is deregistered", func() {
			Expect(sup.Deregister("pod-a")).To(BeTrue())
			_, ok := sup.Get("pod-a")
			Expect(ok).To(BeFalse())
			Expect(sup.Register("pod-a")).To(MatchError(ErrInstanceFailed))
			Expect(sup.Counts()[StateStarting]).To(BeZero())
		})

		It("lets a replacement start fresh", func() {
			Expect(sup.Register("pod-b")).To(Succeed())
			Expect(state("pod-b")).To(Equal(StateStarting))
		})

		It("reports the failure upward", func() {
			last := transitions[len(transitions)-1]
			Expect(last.To).To(Equal(StateFailed))
			Expect(last.Reason).To(Equal("LivenessFailed"))
		})
	})

	It("never leaves failed under random probe sequences", func() {
		rng := rand.New(rand.NewPCG(3, 5))
		kinds := []Kind{KindLiveness, KindReadiness, KindStartup}
		outcomes := []Outcome{OutcomePass, OutcomeFail}

		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("pod-%d", i)
			Expect(sup.Register(id)).To(Succeed())
			seenFailed := false
			for j := 0; j < 200; j++ {
				if rng.IntN(20) == 0 {
					clk.Step(time.Second)
				}
				Expect(sup.ReportProbe(id, kinds[rng.IntN(3)], outcomes[rng.IntN(2)])).To(Succeed())
				st := state(id)
				if seenFailed {
					Expect(st).To(Equal(StateFailed))
				}
				seenFailed = st == StateFailed
			}
		}
		for _, t := range transitions {
			Expect(CanTransition(t.From, t.To)).To(BeTrue(), "%+v", t)
		}
	})

	It("applies concurrent reports per instance without losing state", func() {
		const n = 20
		for i := 0; i < n; i++ {
			makeReady(fmt.Sprintf("pod-%d", i))
		}
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id string) {
				defer GinkgoRecover()
				defer wg.Done()
				report(id, KindLiveness, OutcomeFail, 3)
			}(fmt.Sprintf("pod-%d", i))
		}
		wg.Wait()
		counts := sup.Counts()
		Expect(counts[StateFailed]).To(Equal(n))
		Expect(counts[StateReady]).To(Equal(0))
		Expect(sup.IDs()).To(HaveLen(n))
		Expect(sup.Snapshot()[0].InstanceID).To(Equal("pod-0"))
	})
})
