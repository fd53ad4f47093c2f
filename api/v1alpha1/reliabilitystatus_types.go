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

// Package v1alpha1 holds the read-only status document the reliability
// controller exports at /status.
package v1alpha1

import (
	"math"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ReliabilityStatus is a point-in-time view of the control loop.
type ReliabilityStatus struct {
	// ObservedAt is when the status was assembled.
	ObservedAt metav1.Time `json:"observedAt"`

	// EffectiveReplicas is the count reported by the actuator in the latest cycle.
	EffectiveReplicas int32 `json:"effectiveReplicas"`

	// EligibleReplicas is the number of ready instances.
	EligibleReplicas int32 `json:"eligibleReplicas"`

	// Instances lists every registered instance, sorted by ID.
	// +optional
	Instances []InstanceStatus `json:"instances,omitempty"`

	// InstanceCounts maps each health state to the number of instances in it.
	// Every state is present.
	InstanceCounts map[string]int32 `json:"instanceCounts"`

	// Breakers lists every known dependency breaker, sorted by dependency.
	// +optional
	Breakers []BreakerStatus `json:"breakers,omitempty"`

	// Signals is the analysis of the latest evaluation cycle.
	Signals SignalsStatus `json:"signals"`

	// Engine exposes the decision engine's streak counters.
	Engine EngineStatus `json:"engine"`

	// LatestDecision is the most recent decision emitted, if any.
	// +optional
	LatestDecision *DecisionStatus `json:"latestDecision,omitempty"`

	// MissedCycles counts skipped evaluation cycles since startup.
	MissedCycles uint64 `json:"missedCycles"`

	// DroppedSamples counts samples the aggregator could not record since startup.
	DroppedSamples uint64 `json:"droppedSamples"`

	// Conditions represent the latest observations of the loop's state.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// InstanceStatus is the health of one instance.
type InstanceStatus struct {
	ID                   string      `json:"id"`
	State                string      `json:"state"`
	ConsecutiveFailures  int32       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int32       `json:"consecutiveSuccesses"`
	LastTransitionTime   metav1.Time `json:"lastTransitionTime"`
}

// BreakerStatus is the state of one dependency breaker.
type BreakerStatus struct {
	Dependency string `json:"dependency"`
	State      string `json:"state"`
	// FailureCount is the number of consecutive failures while closed.
	FailureCount          int32       `json:"failureCount"`
	LastStateChange       metav1.Time `json:"lastStateChange"`
	HalfOpenProbeInFlight bool        `json:"halfOpenProbeInFlight"`

	// CoolDown is the current (or next) open duration.
	CoolDown metav1.Duration `json:"coolDown"`
	// OpenUntil is set while the breaker is open.
	// +optional
	OpenUntil *metav1.Time `json:"openUntil,omitempty"`

	WindowCalls    int32  `json:"windowCalls"`
	WindowFailures int32  `json:"windowFailures"`
	Rejected       uint64 `json:"rejected"`

	// Transitions within the aggregation window, by target state.
	WindowTrips     int32 `json:"windowTrips"`
	WindowHalfOpens int32 `json:"windowHalfOpens"`
	WindowResets    int32 `json:"windowResets"`
}

// SignalsStatus holds window aggregates. Values without data are omitted
// rather than reported as zero.
type SignalsStatus struct {
	// +optional
	LatencyP50Seconds *float64 `json:"latencyP50Seconds,omitempty"`
	// +optional
	LatencyP95Seconds *float64 `json:"latencyP95Seconds,omitempty"`
	// +optional
	LatencyP99Seconds *float64 `json:"latencyP99Seconds,omitempty"`

	RequestRate float64 `json:"requestRate"`
	ErrorRate   float64 `json:"errorRate"`
	// AdjustedErrorRate excludes errors attributed to open breakers.
	AdjustedErrorRate float64 `json:"adjustedErrorRate"`
	// BreakerTripRate is the per-second rate of breakers opening, across
	// all dependencies.
	BreakerTripRate float64 `json:"breakerTripRate"`

	// +optional
	Saturation *float64 `json:"saturation,omitempty"`

	LoadScore float64 `json:"loadScore"`
	// Dominant is the signal that produced LoadScore.
	// +optional
	Dominant string `json:"dominant,omitempty"`

	// Missing lists required signals without data.
	// +optional
	Missing []string `json:"missing,omitempty"`
}

// EngineStatus mirrors the engine counters.
type EngineStatus struct {
	HighStreak  int32 `json:"highStreak"`
	LowStreak   int32 `json:"lowStreak"`
	StaleCycles int32 `json:"staleCycles"`
	// HoldReason explains why the latest cycle emitted no decision.
	// +optional
	HoldReason string `json:"holdReason,omitempty"`
}

// DecisionStatus is a decision together with the outcome of applying it.
type DecisionStatus struct {
	ID                string            `json:"id"`
	TargetReplicas    int32             `json:"targetReplicas"`
	EffectiveReplicas int32             `json:"effectiveReplicas"`
	BreakerHints      map[string]string `json:"breakerHints,omitempty"`
	DecidedAt         metav1.Time       `json:"decidedAt"`
	RationaleTag      string            `json:"rationaleTag"`
	Action            string            `json:"action"`
	LoadScore         float64           `json:"loadScore"`

	// Applied is true once the actuator returned for this decision.
	Applied bool `json:"applied"`
	// Accepted reports whether the actuator accepted the target.
	Accepted bool `json:"accepted"`
	// +optional
	ApplyError string `json:"applyError,omitempty"`
}

// Condition types.
const (
	// TypeActuationHealthy is False once consecutive failed actuations
	// exhausted the retry budget.
	TypeActuationHealthy = "ActuationHealthy"
	// TypeSignalsAvailable is False while a required signal has no data.
	TypeSignalsAvailable = "SignalsAvailable"
)

// Condition reasons for ActuationHealthy.
const (
	ReasonActuationSucceeded = "ActuationSucceeded"
	ReasonActuationFailing   = "ActuationFailing"
	ReasonActuationDegraded  = "ActuationDegraded"
)

// Condition reasons for SignalsAvailable.
const (
	ReasonSignalsPresent = "SignalsPresent"
	ReasonSignalsMissing = "SignalsMissing"
	ReasonSignalsStale   = "SignalsStale"
)

// SetCondition adds or updates a condition. LastTransitionTime only changes
// when the status flips.
func (s *ReliabilityStatus) SetCondition(c metav1.Condition) {
	meta.SetStatusCondition(&s.Conditions, c)
}

// GetCondition returns the condition of the given type, or nil.
func (s *ReliabilityStatus) GetCondition(conditionType string) *metav1.Condition {
	return meta.FindStatusCondition(s.Conditions, conditionType)
}

// OptionalFloat returns nil for NaN and infinities, which JSON cannot encode.
func OptionalFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
