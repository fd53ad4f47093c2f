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

package breaker

import (
	"errors"
	"fmt"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// AllStates lists every breaker state.
var AllStates = []State{StateClosed, StateOpen, StateHalfOpen}

// StateNames returns AllStates as strings, for metric labels.
func StateNames() []string {
	out := make([]string, 0, len(AllStates))
	for _, s := range AllStates {
		out = append(out, string(s))
	}
	return out
}

var transitions = map[State][]State{
	StateClosed:   {StateOpen},
	StateOpen:     {StateHalfOpen},
	StateHalfOpen: {StateClosed, StateOpen},
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

// Outcome is the result of one dependency call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// ParseOutcome validates an outcome name.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout:
		return o, nil
	default:
		return "", fmt.Errorf("unknown dependency call outcome %q", s)
	}
}

// Failed reports whether the outcome counts against the dependency.
func (o Outcome) Failed() bool {
	return o != OutcomeSuccess
}

var (
	// ErrOpen is returned when the breaker rejects a call because it is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTrialInFlight is returned when a half-open breaker already admitted
	// its single trial call.
	ErrTrialInFlight = errors.New("circuit breaker trial call in flight")
)

// BreakerState is a read-only copy of a breaker's state.
type BreakerState struct {
	DependencyID string
	State        State
	// FailureCount is the number of consecutive failures while closed.
	FailureCount          int
	LastStateChange       time.Time
	HalfOpenProbeInFlight bool

	// CoolDown is the current (or next) open duration.
	CoolDown time.Duration
	// OpenUntil is set while open.
	OpenUntil time.Time

	WindowCalls    int
	WindowFailures int
	Rejected       uint64
}

// EventType classifies breaker events.
type EventType string

const (
	EventTransition EventType = "transition"
	EventRejected   EventType = "rejected"
	EventCall       EventType = "call"
)

// Event is emitted for every transition, rejection and recorded call.
type Event struct {
	Dependency string
	Type       EventType
	At         time.Time

	// From and To are set for transitions.
	From State
	To   State
	// CoolDown is set for transitions to open.
	CoolDown time.Duration

	// Outcome is set for calls.
	Outcome Outcome
}

// EventSink receives breaker events. It is called under the breaker lock so
// events of one breaker arrive in order; it must not block or call back into
// the same breaker.
type EventSink interface {
	OnBreakerEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) OnBreakerEvent(e Event) { f(e) }

type discardSink struct{}

func (discardSink) OnBreakerEvent(Event) {}
