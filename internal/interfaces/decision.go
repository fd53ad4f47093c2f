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

// Package interfaces holds the types exchanged between the decision engine,
// the actuator and the controller.
package interfaces

import (
	"maps"
	"time"

	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
)

// Action is the scaling direction of a decision.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionNoChange  Action = "no_change"
)

// Rationale tags attached to decisions. Scaling decisions driven by the load
// score are tagged "<action>:<signal>", e.g. "scale_up:latency".
const (
	RationaleStaleFloor   = "stale_floor"
	RationaleBreakerHints = "breaker_hints"
	RationaleBounds       = "replica_bounds"
)

// BreakerHints maps a dependency ID to the breaker posture the engine wants.
type BreakerHints map[string]breaker.State

// Equal reports whether both hint sets are the same.
func (h BreakerHints) Equal(other BreakerHints) bool {
	return maps.Equal(h, other)
}

// ScalingDecision is the immutable output of one evaluation cycle.
type ScalingDecision struct {
	ID             string
	TargetReplicas int
	// EffectiveReplicas is what the actuator reported when the decision was made.
	EffectiveReplicas int
	BreakerHints      BreakerHints
	DecidedAt         time.Time
	RationaleTag      string
	LoadScore         float64
	Action            Action
}

// ApplyResult is reported by an actuator for one decision.
type ApplyResult struct {
	DecisionID        string
	Accepted          bool
	EffectiveReplicas int
}
