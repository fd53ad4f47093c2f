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

// Package constants holds names shared across packages: Prometheus metric
// names and label keys, and well-known identifiers.
package constants

// Metric name prefix for everything the controller exports.
const MetricsNamespace = "reliability"

// Prometheus metric names (without namespace).
const (
	DroppedSamplesTotal      = "dropped_samples_total"
	MissedCyclesTotal        = "missed_cycles_total"
	StalenessCycles          = "staleness_cycles"
	DesiredReplicas          = "desired_replicas"
	EffectiveReplicas        = "effective_replicas"
	LoadScore                = "load_score"
	ScalingDecisionsTotal    = "scaling_decisions_total"
	BreakerState             = "breaker_state"
	BreakerTransitionsTotal  = "breaker_transitions_total"
	BreakerRejectedTotal     = "breaker_rejected_calls_total"
	InstancesByState         = "instances"
	InstanceFailuresTotal    = "instance_failures_total"
	ActuationFailuresTotal   = "actuation_failures_total"
	ActuationDegraded        = "actuation_degraded"
	RequestsTotal            = "http_requests_total"
	RequestDurationSeconds   = "http_request_duration_seconds"
	BuildInfo                = "build_info"
	EvaluationDurationSecond = "evaluation_duration_seconds"
	ActuatorDesiredReplicas  = "actuator_desired_replicas"
	ActuatorBreakerHint      = "actuator_breaker_hint"
)

// Prometheus label keys.
const (
	LabelKind       = "kind"
	LabelDependency = "dependency"
	LabelState      = "state"
	LabelFrom       = "from"
	LabelTo         = "to"
	LabelCodeClass  = "code_class"
	LabelDirection  = "direction"
	LabelReason     = "reason"
	LabelVersion    = "version"
	LabelRevision   = "revision"
	LabelGoVersion  = "go_version"
	LabelNamespace  = "namespace"
	LabelTarget     = "target"
)

// Tracing.
const (
	TracerName = "github.com/llm-d/llm-d-reliability-controller"
)

// Kubernetes annotations.
const (
	// InstanceIDAnnotation, when set on a pod, overrides the pod name as the
	// instance identity reported to the probe supervisor.
	InstanceIDAnnotation = "reliability.llm-d.ai/instance-id"

	// BreakerHintsAnnotation carries the latest breaker posture on the scaled
	// Deployment, formatted as "dep=state,dep=state".
	BreakerHintsAnnotation = "reliability.llm-d.ai/breaker-hints"
	// DecisionIDAnnotation is the ID of the last decision applied to the Deployment.
	DecisionIDAnnotation = "reliability.llm-d.ai/decision-id"
)
