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
	"errors"
	"fmt"
	"time"
)

// State is the health state of one instance.
type State string

const (
	StateStarting State = "starting"
	StateUnready  State = "unready"
	StateReady    State = "ready"
	// StateFailed is terminal for the instance identity.
	StateFailed State = "failed"
)

// AllStates lists states in lifecycle order.
var AllStates = []State{StateStarting, StateUnready, StateReady, StateFailed}

// transitions is the exhaustive table of legal state changes.
var transitions = map[State][]State{
	StateStarting: {StateReady, StateFailed},
	StateUnready:  {StateReady, StateFailed},
	StateReady:    {StateUnready, StateFailed},
	StateFailed:   nil,
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Kind is the probe type.
type Kind string

const (
	KindLiveness  Kind = "liveness"
	KindReadiness Kind = "readiness"
	KindStartup   Kind = "startup"
)

// ParseKind validates a probe kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLiveness, KindReadiness, KindStartup:
		return k, nil
	default:
		return "", fmt.Errorf("unknown probe kind %q", s)
	}
}

// Outcome is the result of one probe.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// ParseOutcome validates a probe outcome name.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomePass, OutcomeFail:
		return o, nil
	default:
		return "", fmt.Errorf("unknown probe outcome %q", s)
	}
}

var (
	ErrUnknownInstance    = errors.New("unknown instance")
	ErrInstanceFailed     = errors.New("instance identity has failed")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrInvalidProbeReport = errors.New("invalid probe report")
)

// InstanceHealth is a read-only copy of an instance's health record.
type InstanceHealth struct {
	InstanceID string
	State      State

	// Readiness streaks.
	ConsecutiveFailures  int
	ConsecutiveSuccesses int

	LivenessFailures int
	StartupFailures  int
	// StartupPassed ends the startup grace period early.
	StartupPassed bool

	RegisteredAt       time.Time
	LastTransitionTime time.Time
}

// Transition describes one state change.
type Transition struct {
	InstanceID string
	From       State
	To         State
	At         time.Time
	Reason     string
}

// Listener observes transitions. It runs under the instance lock, so
// transitions of one instance are delivered in order. It must not call back
// into the Supervisor for the same instance.
type Listener func(Transition)
