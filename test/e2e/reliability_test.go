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

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	kubefake "k8s.io/client-go/kubernetes/fake"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	crfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/llm-d/llm-d-reliability-controller/api/v1alpha1"
	"github.com/llm-d/llm-d-reliability-controller/internal/actuator"
	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/constants"
	"github.com/llm-d/llm-d-reliability-controller/internal/controller"
	"github.com/llm-d/llm-d-reliability-controller/internal/discovery"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
	"github.com/llm-d/llm-d-reliability-controller/internal/probe"
	"github.com/llm-d/llm-d-reliability-controller/internal/server"
)

// stack is one fully wired controller.
type stack struct {
	cfg        *config.Config
	clock      *testingclock.FakeClock
	kube       *kubefake.Clientset
	pods       client.Client
	reconciler *controller.Reconciler
	discoverer *discovery.Discoverer
	http       *httptest.Server
}

func newStack(replicas int32, cfg *config.Config) *stack {
	scheme := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())

	objs := make([]client.Object, 0, replicas)
	for i := int32(0); i < replicas; i++ {
		objs = append(objs, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      fmt.Sprintf("%s-%d", deployment, i),
				Namespace: namespace,
				Labels:    podLabel,
			},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		})
	}

	s := &stack{
		cfg:   cfg,
		clock: testingclock.NewFakeClock(t0),
		kube: kubefake.NewSimpleClientset(&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: deployment, Namespace: namespace},
			Spec:       appsv1.DeploymentSpec{Replicas: ptr.To(replicas)},
			Status:     appsv1.DeploymentStatus{AvailableReplicas: replicas},
		}),
		pods: crfake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build(),
	}

	act, err := actuator.NewDeploymentActuator(s.kube, namespace, deployment)
	Expect(err).NotTo(HaveOccurred())

	reg := prometheus.NewRegistry()
	s.reconciler, err = controller.NewReconciler(cfg, controller.Options{
		Actuator:  act,
		Clock:     s.clock,
		Metrics:   metrics.New(reg),
		Namespace: namespace,
		Target:    deployment,
	})
	Expect(err).NotTo(HaveOccurred())

	s.discoverer, err = discovery.NewDiscoverer(s.pods, s.reconciler.Supervisor(), namespace, "app="+deployment, s.clock)
	Expect(err).NotTo(HaveOccurred())

	s.http = httptest.NewServer(server.New("", s.reconciler, s.reconciler, reg).Handler())
	DeferCleanup(s.http.Close)
	return s
}

// discoverAndReady registers every running pod and reports passing startup
// and readiness probes for it over HTTP.
func (s *stack) discoverAndReady(ctx context.Context) []string {
	res, err := s.discoverer.Sync(ctx)
	Expect(err).NotTo(HaveOccurred())
	reports := make([]v1alpha1.ProbeReport, 0, 2*len(res.Registered))
	for _, id := range res.Registered {
		reports = append(reports,
			v1alpha1.ProbeReport{InstanceID: id, Kind: string(probe.KindStartup), Outcome: string(probe.OutcomePass)},
			v1alpha1.ProbeReport{InstanceID: id, Kind: string(probe.KindReadiness), Outcome: string(probe.OutcomePass)},
		)
	}
	if len(reports) > 0 {
		Expect(s.post(server.ProbesPath, reports).Accepted).To(Equal(len(reports)))
	}
	return res.Registered
}

// serve reports n successful requests over HTTP.
func (s *stack) serve(n int, latency time.Duration) {
	reports := make([]v1alpha1.RequestReport, 0, n)
	for i := 0; i < n; i++ {
		reports = append(reports, v1alpha1.RequestReport{
			InstanceID:     fmt.Sprintf("%s-%d", deployment, i%4),
			LatencySeconds: latency.Seconds(),
			StatusCode:     http.StatusOK,
		})
	}
	Expect(s.post(server.RequestsPath, reports).Accepted).To(Equal(n))
}

func (s *stack) post(path string, v any) v1alpha1.IngestResponse {
	body, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.Post(s.http.URL+path, "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

	var out v1alpha1.IngestResponse
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	Expect(out.Rejected).To(BeEmpty())
	return out
}

func (s *stack) cycle(ctx context.Context) controller.CycleResult {
	s.clock.Step(s.cfg.Loop.EvaluationPeriod)
	res, err := s.reconciler.RunCycle(ctx)
	Expect(err).NotTo(HaveOccurred())
	return res
}

func (s *stack) get(path string) string {
	resp, err := http.Get(s.http.URL + path)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
	return string(body)
}

func (s *stack) status() v1alpha1.ReliabilityStatus {
	var st v1alpha1.ReliabilityStatus
	Expect(json.Unmarshal([]byte(s.get(server.StatusPath)), &st)).To(Succeed())
	return st
}

func (s *stack) deployment(ctx context.Context) *appsv1.Deployment {
	d, err := s.kube.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
	return d
}

var _ = Describe("Reliability controller", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should double a Deployment whose p99 latency is three times the target", func() {
		s := newStack(4, config.Default())
		Expect(s.discoverAndReady(ctx)).To(HaveLen(4))
		s.serve(100, 750*time.Millisecond)

		By("holding while the high load is not yet sustained")
		res := s.cycle(ctx)
		Expect(res.Decision).To(BeNil())
		Expect(ptr.Deref(s.deployment(ctx).Spec.Replicas, 0)).To(Equal(int32(4)))

		By("scaling once the load persisted for two cycles")
		res = s.cycle(ctx)
		Expect(res.Applied).To(BeTrue())
		Expect(res.ApplyResult.Accepted).To(BeTrue())

		d := s.deployment(ctx)
		Expect(ptr.Deref(d.Spec.Replicas, 0)).To(Equal(int32(8)))
		Expect(d.Annotations).To(HaveKeyWithValue(constants.DecisionIDAnnotation, res.Decision.ID))

		st := s.status()
		Expect(st.EligibleReplicas).To(Equal(int32(4)))
		Expect(st.LatestDecision).NotTo(BeNil())
		Expect(st.LatestDecision.TargetReplicas).To(Equal(int32(8)))
		Expect(st.LatestDecision.RationaleTag).To(Equal("scale_up:latency"))
		Expect(st.LatestDecision.Applied).To(BeTrue())
		Expect(st.LatestDecision.Accepted).To(BeTrue())

		Expect(s.get(server.ReadyPath)).To(Equal("ok"))
	})

	It("should trip a breaker at 6 failures out of 10 calls and recover after the cool-down", func() {
		s := newStack(4, config.Default())
		b := s.reconciler.Breakers().Get("payments")
		boom := errors.New("payments unavailable")

		calls := 0
		call := func(fail bool) error {
			return b.Execute(ctx, func(context.Context) error {
				calls++
				if fail {
					return boom
				}
				return nil
			})
		}
		for i := 0; i < 4; i++ {
			Expect(call(false)).To(Succeed())
		}
		for i := 0; i < 6; i++ {
			Expect(call(true)).To(MatchError(boom))
		}

		By("rejecting calls without running them while open")
		for i := 0; i < 5; i++ {
			Expect(call(false)).To(MatchError(breaker.ErrOpen))
		}
		Expect(calls).To(Equal(10))

		st := s.status()
		Expect(st.Breakers).To(HaveLen(1))
		Expect(st.Breakers[0].State).To(Equal(string(breaker.StateOpen)))
		Expect(s.get(server.MetricsPath)).To(ContainSubstring(
			`reliability_breaker_transitions_total{dependency="payments",from="closed",to="open"} 1`))

		By("closing after a successful trial call")
		s.clock.Step(s.cfg.Breaker.CoolDown)
		Expect(b.State().State).To(Equal(breaker.StateHalfOpen))
		Expect(call(false)).To(Succeed())
		Expect(calls).To(Equal(11))

		state := b.State()
		Expect(state.State).To(Equal(breaker.StateClosed))
		Expect(state.FailureCount).To(BeZero())
		Expect(state.Rejected).To(Equal(uint64(5)))
	})

	It("should trip a breaker from dependency calls reported over HTTP", func() {
		s := newStack(2, config.Default())
		reports := make([]v1alpha1.DependencyCallReport, 0, 10)
		for i := 0; i < 10; i++ {
			outcome := breaker.OutcomeSuccess
			if i >= 4 {
				outcome = breaker.OutcomeFailure
			}
			reports = append(reports, v1alpha1.DependencyCallReport{DependencyID: "payments", Outcome: string(outcome)})
		}
		Expect(s.post(server.DependencyCallsPath, reports).Accepted).To(Equal(10))

		st := s.status()
		Expect(st.Breakers).To(HaveLen(1))
		Expect(st.Breakers[0].State).To(Equal(string(breaker.StateOpen)))
		Expect(st.Breakers[0].WindowTrips).To(Equal(int32(1)))
		Expect(st.Signals.BreakerTripRate).To(BeNumerically(">", 0))
	})

	It("should evict the pod of an instance that failed its liveness probes", func() {
		s := newStack(2, config.Default())
		ids := s.discoverAndReady(ctx)
		Expect(ids).To(ConsistOf("api-0", "api-1"))

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			defer GinkgoRecover()
			Expect(s.reconciler.RunFailedInstanceHandler(runCtx, func(ctx context.Context, id string) error {
				_, err := s.discoverer.Evict(ctx, id)
				return err
			})).To(Succeed())
		}()

		for i := 0; i < s.cfg.Probe.LivenessFailureThreshold; i++ {
			s.post(server.ProbesPath, v1alpha1.ProbeReport{
				InstanceID: "api-1",
				Kind:       string(probe.KindLiveness),
				Outcome:    string(probe.OutcomeFail),
			})
		}

		Eventually(func() []string {
			pods := &corev1.PodList{}
			Expect(s.pods.List(ctx, pods, client.InNamespace(namespace))).To(Succeed())
			names := make([]string, 0, len(pods.Items))
			for _, p := range pods.Items {
				names = append(names, p.Name)
			}
			return names
		}).Should(ConsistOf("api-0"))

		st := s.status()
		Expect(st.EligibleReplicas).To(Equal(int32(1)))
		Expect(st.InstanceCounts).To(HaveKeyWithValue(string(probe.StateFailed), int32(1)))
	})

	It("should report missing signals before the first requests arrive", func() {
		s := newStack(2, config.Default())
		s.discoverAndReady(ctx)
		s.cycle(ctx)

		st := s.status()
		c := st.GetCondition(v1alpha1.TypeSignalsAvailable)
		Expect(c).NotTo(BeNil())
		Expect(c.Status).To(Equal(metav1.ConditionFalse))
		Expect(c.Reason).To(Equal(v1alpha1.ReasonSignalsMissing))
		Expect(st.Signals.Missing).To(ConsistOf("request", "latency"))
	})
})
