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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/actuator"
	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/collector"
	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/constants"
	"github.com/llm-d/llm-d-reliability-controller/internal/engines/common"
	"github.com/llm-d/llm-d-reliability-controller/internal/engines/scaling"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
	"github.com/llm-d/llm-d-reliability-controller/internal/metricscache"
	"github.com/llm-d/llm-d-reliability-controller/internal/probe"
)

// failedQueueSize bounds the failed-instance notifications waiting for a
// consumer. Notifications beyond it are dropped; the instance stays failed
// in the status either way.
const failedQueueSize = 64

// Options are the collaborators of a Reconciler.
type Options struct {
	// Actuator is required.
	Actuator actuator.Actuator

	// Clock defaults to the real clock.
	Clock clock.WithTicker
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// BreakerOverrides are the initial per-dependency breaker policies.
	BreakerOverrides config.BreakerOverrides
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Namespace and Target identify the scale target in the decision cache.
	Namespace string
	Target    string
}

// Reconciler runs the reliability control loop.
type Reconciler struct {
	cfg     *config.Config
	clock   clock.WithTicker
	metrics *metrics.Metrics
	tracer  trace.Tracer

	aggregator *metricscache.Aggregator
	sampler    *collector.Sampler
	supervisor *probe.Supervisor
	breakers   *breaker.Registry
	engine     *scaling.Engine
	actuator   actuator.Actuator

	decisions *common.InternalDecisionCache
	global    *common.GlobalConfig
	namespace string
	target    string

	failed chan string

	inFlight atomic.Bool
	missed   atomic.Uint64

	mu                  sync.RWMutex
	last                cycleRecord
	consecutiveFailures int
	conditions          []metav1.Condition
}

// cycleRecord is what Status reports about the latest completed cycle.
type cycleRecord struct {
	at        time.Time
	effective int
	eligible  int
	result    scaling.Result
	ran       bool
}

// NewReconciler builds every loop component from cfg.
func NewReconciler(cfg *config.Config, opts Options) (*Reconciler, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if opts.Actuator == nil {
		return nil, errors.New("actuator cannot be nil")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	r := &Reconciler{
		cfg:       cfg,
		clock:     clk,
		metrics:   opts.Metrics,
		tracer:    tp.Tracer(constants.TracerName),
		actuator:  opts.Actuator,
		decisions: common.NewDecisionCache(),
		global:    &common.GlobalConfig{},
		namespace: opts.Namespace,
		target:    opts.Target,
		failed:    make(chan string, failedQueueSize),
	}
	r.global.UpdateEvaluationPeriod(cfg.Loop.EvaluationPeriod)
	r.global.UpdateBreakerOverrides(opts.BreakerOverrides)

	r.aggregator = metricscache.NewAggregator(cfg.Window, clk, opts.Metrics)
	r.sampler = collector.NewSampler(r.aggregator, clk, opts.Metrics)
	r.supervisor = probe.NewSupervisor(cfg.Probe, clk, opts.Metrics, r.onInstanceTransition)
	r.breakers = breaker.NewRegistry(cfg.Breaker, opts.BreakerOverrides, clk, r)

	engine, err := scaling.NewEngine(cfg.Scaling, r.aggregator, clk, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("creating scaling engine: %w", err)
	}
	r.engine = engine
	return r, nil
}

// Aggregator returns the signal aggregator, for metric sources.
func (r *Reconciler) Aggregator() *metricscache.Aggregator {
	return r.aggregator
}

// Supervisor returns the probe supervisor, for instance discovery.
func (r *Reconciler) Supervisor() *probe.Supervisor {
	return r.supervisor
}

// Breakers returns the breaker registry, for callers that route dependency
// calls through Breaker.Execute.
func (r *Reconciler) Breakers() *breaker.Registry {
	return r.breakers
}

// FailedInstances delivers the IDs of instances that reached the failed
// state and need to be replaced.
func (r *Reconciler) FailedInstances() <-chan string {
	return r.failed
}

// ReportRequest records one served request.
func (r *Reconciler) ReportRequest(latency time.Duration, statusCode int, instanceID string) error {
	return r.sampler.ReportRequest(latency, statusCode, instanceID)
}

// ReportSaturation records a utilization ratio for an instance.
func (r *Reconciler) ReportSaturation(instanceID string, ratio float64) error {
	return r.sampler.ReportSaturation(instanceID, ratio)
}

// ReportProbe applies one probe result to an instance.
func (r *Reconciler) ReportProbe(instanceID string, kind probe.Kind, outcome probe.Outcome) error {
	return r.supervisor.ReportProbe(instanceID, kind, outcome)
}

// ReportDependencyCall records the outcome of a call made without going
// through the breaker.
func (r *Reconciler) ReportDependencyCall(dependencyID string, outcome breaker.Outcome) error {
	if dependencyID == "" {
		return errors.New("dependency id cannot be empty")
	}
	if _, err := breaker.ParseOutcome(string(outcome)); err != nil {
		return err
	}
	r.breakers.Get(dependencyID).Record(outcome)
	return nil
}

func (r *Reconciler) RegisterInstance(instanceID string) error {
	return r.supervisor.Register(instanceID)
}

func (r *Reconciler) DeregisterInstance(instanceID string) bool {
	return r.supervisor.Deregister(instanceID)
}

// ReloadBreakerOverrides replaces the per-dependency breaker policies.
func (r *Reconciler) ReloadBreakerOverrides(overrides config.BreakerOverrides) {
	r.global.UpdateBreakerOverrides(overrides)
	r.breakers.SetOverrides(overrides)
	ctrl.Log.Info("Breaker overrides reloaded", "entries", len(overrides))
}

// OnBreakerEvent implements breaker.EventSink. It runs under the breaker's
// lock and only touches the aggregator and metrics.
func (r *Reconciler) OnBreakerEvent(e breaker.Event) {
	switch e.Type {
	case breaker.EventTransition:
		r.metrics.IncBreakerTransition(e.Dependency, string(e.From), string(e.To))
		r.metrics.SetBreakerState(e.Dependency, string(e.To), breaker.StateNames())
		r.aggregator.Record(metricscache.Sample{
			Kind:       transitionKind(e.To),
			Value:      1,
			Timestamp:  e.At,
			Dependency: e.Dependency,
		})
		ctrl.Log.V(logging.DEBUG).Info("Breaker transition",
			"dependency", e.Dependency, "from", e.From, "to", e.To, "coolDown", e.CoolDown)

	case breaker.EventRejected:
		r.metrics.IncBreakerRejected(e.Dependency)
		r.aggregator.Record(metricscache.Sample{
			Kind:       metricscache.KindDependencyRejected,
			Value:      1,
			Timestamp:  e.At,
			Dependency: e.Dependency,
		})

	case breaker.EventCall:
		if e.Outcome.Failed() {
			r.aggregator.Record(metricscache.Sample{
				Kind:       metricscache.KindDependencyError,
				Value:      1,
				Timestamp:  e.At,
				Dependency: e.Dependency,
			})
		}
	}
}

// transitionKind maps the target state of a breaker transition to the series
// that counts it.
func transitionKind(to breaker.State) metricscache.MetricKind {
	switch to {
	case breaker.StateOpen:
		return metricscache.KindBreakerTrip
	case breaker.StateHalfOpen:
		return metricscache.KindBreakerHalfOpen
	default:
		return metricscache.KindBreakerReset
	}
}

// onInstanceTransition runs under the instance lock, so it must not call
// back into the supervisor.
func (r *Reconciler) onInstanceTransition(t probe.Transition) {
	if t.To != probe.StateFailed {
		return
	}
	select {
	case r.failed <- t.InstanceID:
	default:
		ctrl.Log.Info("Failed-instance queue full, dropping notification", "instance", t.InstanceID)
	}
}
