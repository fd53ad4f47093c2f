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

// Package metrics defines the Prometheus metrics exported by the controller.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, embedded use).
package metrics

import (
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-reliability-controller/internal/constants"
)

// Set at build time with -ldflags.
var (
	Version  = "dev"
	Revision = "unknown"
)

// Metrics groups every collector the controller exports.
type Metrics struct {
	DroppedSamples *prometheus.CounterVec
	MissedCycles   prometheus.Counter
	Staleness      prometheus.Gauge

	DesiredReplicas    prometheus.Gauge
	EffectiveReplicas  prometheus.Gauge
	LoadScore          prometheus.Gauge
	ScalingDecisions   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram

	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejected    *prometheus.CounterVec

	Instances        *prometheus.GaugeVec
	InstanceFailures prometheus.Counter

	ActuationFailures *prometheus.CounterVec
	ActuationDegraded prometheus.Gauge

	// Published by the metrics actuator for HPA/KEDA.
	ActuatorDesiredReplicas *prometheus.GaugeVec
	ActuatorBreakerHint     *prometheus.GaugeVec

	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram

	BuildInfo *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	ns := constants.MetricsNamespace
	m := &Metrics{
		DroppedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.DroppedSamplesTotal,
			Help:      "Samples dropped by the signal aggregator because a window was under contention or the sample was already outside the window",
		}, []string{constants.LabelKind, constants.LabelReason}),

		MissedCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.MissedCyclesTotal,
			Help:      "Evaluation cycles skipped because the previous cycle was still running or the decision exceeded the period",
		}),

		Staleness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.StalenessCycles,
			Help:      "Consecutive evaluation cycles with a required signal missing",
		}),

		DesiredReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.DesiredReplicas,
			Help:      "Target replica count of the latest scaling decision",
		}),

		EffectiveReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.EffectiveReplicas,
			Help:      "Replica count reported by the actuator at the start of the latest cycle",
		}),

		LoadScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.LoadScore,
			Help:      "Normalized load score of the latest cycle",
		}),

		ScalingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.ScalingDecisionsTotal,
			Help:      "Scaling decisions emitted by direction",
		}, []string{constants.LabelDirection}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      constants.EvaluationDurationSecond,
			Help:      "Time spent computing a scaling decision",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.BreakerState,
			Help:      "Circuit breaker state (1 for the current state, 0 otherwise)",
		}, []string{constants.LabelDependency, constants.LabelState}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.BreakerTransitionsTotal,
			Help:      "Circuit breaker state transitions",
		}, []string{constants.LabelDependency, constants.LabelFrom, constants.LabelTo}),

		BreakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.BreakerRejectedTotal,
			Help:      "Dependency calls rejected by an open or half-open breaker",
		}, []string{constants.LabelDependency}),

		Instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.InstancesByState,
			Help:      "Registered instances by health state",
		}, []string{constants.LabelState}),

		InstanceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.InstanceFailuresTotal,
			Help:      "Instances that reached the failed state",
		}),

		ActuationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.ActuationFailuresTotal,
			Help:      "Failed actuator calls by reason",
		}, []string{constants.LabelReason}),

		ActuationDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.ActuationDegraded,
			Help:      "1 when consecutive actuation failures exceeded the retry budget",
		}),

		ActuatorDesiredReplicas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.ActuatorDesiredReplicas,
			Help:      "Replica target published for an external autoscaler",
		}, []string{constants.LabelNamespace, constants.LabelTarget}),

		ActuatorBreakerHint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.ActuatorBreakerHint,
			Help:      "Desired breaker posture per dependency (1 for the desired state, 0 otherwise)",
		}, []string{constants.LabelDependency, constants.LabelState}),

		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      constants.RequestsTotal,
			Help:      "Requests reported by the serving layer by status class",
		}, []string{constants.LabelCodeClass}),

		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      constants.RequestDurationSeconds,
			Help:      "Latency of requests reported by the serving layer",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      constants.BuildInfo,
			Help:      "Build information of the controller",
		}, []string{constants.LabelVersion, constants.LabelRevision, constants.LabelGoVersion}),
	}

	reg.MustRegister(
		m.DroppedSamples,
		m.MissedCycles,
		m.Staleness,
		m.DesiredReplicas,
		m.EffectiveReplicas,
		m.LoadScore,
		m.ScalingDecisions,
		m.EvaluationDuration,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejected,
		m.Instances,
		m.InstanceFailures,
		m.ActuationFailures,
		m.ActuationDegraded,
		m.ActuatorDesiredReplicas,
		m.ActuatorBreakerHint,
		m.Requests,
		m.RequestDuration,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(Version, Revision, runtime.Version()).Set(1)
	return m
}

func (m *Metrics) IncDroppedSample(kind, reason string) {
	if m == nil {
		return
	}
	m.DroppedSamples.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) IncMissedCycle() {
	if m == nil {
		return
	}
	m.MissedCycles.Inc()
}

func (m *Metrics) SetStaleness(cycles int) {
	if m == nil {
		return
	}
	m.Staleness.Set(float64(cycles))
}

// ObserveCycle records the outcome of one evaluation cycle.
func (m *Metrics) ObserveCycle(effective int, loadScore float64, seconds float64) {
	if m == nil {
		return
	}
	m.EffectiveReplicas.Set(float64(effective))
	m.LoadScore.Set(loadScore)
	m.EvaluationDuration.Observe(seconds)
}

func (m *Metrics) ObserveDecision(target int, direction string) {
	if m == nil {
		return
	}
	m.DesiredReplicas.Set(float64(target))
	m.ScalingDecisions.WithLabelValues(direction).Inc()
}

// SetBreakerState sets the gauge of the current state to 1 and the others to 0.
func (m *Metrics) SetBreakerState(dependency, state string, allStates []string) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.BreakerState.WithLabelValues(dependency, s).Set(v)
	}
}

func (m *Metrics) IncBreakerTransition(dependency, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(dependency, from, to).Inc()
}

func (m *Metrics) IncBreakerRejected(dependency string) {
	if m == nil {
		return
	}
	m.BreakerRejected.WithLabelValues(dependency).Inc()
}

// SetInstanceCounts replaces the per-state instance gauges.
func (m *Metrics) SetInstanceCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.Instances.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) IncInstanceFailure() {
	if m == nil {
		return
	}
	m.InstanceFailures.Inc()
}

func (m *Metrics) IncActuationFailure(reason string) {
	if m == nil {
		return
	}
	m.ActuationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActuationDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.ActuationDegraded.Set(1)
		return
	}
	m.ActuationDegraded.Set(0)
}

// SetActuatorTarget publishes the replica target of a scale target.
func (m *Metrics) SetActuatorTarget(namespace, target string, replicas int) {
	if m == nil {
		return
	}
	m.ActuatorDesiredReplicas.WithLabelValues(namespace, target).Set(float64(replicas))
}

// SetBreakerHint publishes the desired state of a dependency's breaker.
func (m *Metrics) SetBreakerHint(dependency, state string, allStates []string) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ActuatorBreakerHint.WithLabelValues(dependency, s).Set(v)
	}
}

// ObserveRequest records a request reported by the serving layer.
func (m *Metrics) ObserveRequest(seconds float64, statusCode int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(CodeClass(statusCode)).Inc()
	m.RequestDuration.Observe(seconds)
}

// CodeClass maps a status code to its class label ("2xx", "5xx", ...).
func CodeClass(statusCode int) string {
	if statusCode < 100 || statusCode > 599 {
		return "unknown"
	}
	return strconv.Itoa(statusCode/100) + "xx"
}
