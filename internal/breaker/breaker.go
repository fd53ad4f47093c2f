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

// Package breaker implements per-dependency circuit breakers.
//
// A breaker is closed while the dependency is healthy. It opens when, over a
// rolling window, at least MinimumCalls calls were recorded and the failure
// ratio reached FailureRateThreshold. While open every call is rejected. After
// the cool-down the breaker is half-open and admits exactly one trial call:
// success closes it, failure reopens it with the cool-down doubled up to
// MaxCoolDown. Timeouts count as failures.
//
// Callers either wrap calls with Execute, or use Allow and report the outcome
// through the returned Permit. Outcomes observed elsewhere can be fed in with
// Record.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
)

type call struct {
	at     time.Time
	failed bool
}

// Breaker is the state machine for one dependency. All state is guarded by mu.
type Breaker struct {
	dependency string
	cfg        config.BreakerConfig
	clock      clock.PassiveClock
	sink       EventSink

	mu              sync.Mutex
	state           State
	failureCount    int
	calls           []call
	lastStateChange time.Time
	openUntil       time.Time
	coolDown        time.Duration
	backoff         *backoff.ExponentialBackOff
	trialInFlight   bool
	trialStarted    time.Time
	rejected        uint64
	// generation changes on every transition so that permits issued in an
	// earlier state cannot affect the current one.
	generation uint64
}

// New creates a closed breaker. sink may be nil.
func New(dependency string, cfg config.BreakerConfig, clk clock.PassiveClock, sink EventSink) *Breaker {
	if sink == nil {
		sink = discardSink{}
	}
	b := &Breaker{
		dependency:      dependency,
		cfg:             cfg,
		clock:           clk,
		sink:            sink,
		state:           StateClosed,
		lastStateChange: clk.Now(),
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     cfg.CoolDown,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         cfg.MaxCoolDown,
		},
	}
	b.backoff.Reset()
	b.coolDown = cfg.CoolDown
	return b
}

// Dependency returns the dependency ID.
func (b *Breaker) Dependency() string {
	return b.dependency
}

// Reconfigure replaces the policy. An open period already running keeps its
// deadline; the new cool-down applies from the next trip.
func (b *Breaker) Reconfigure(cfg config.BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg = cfg
	b.backoff.InitialInterval = cfg.CoolDown
	b.backoff.MaxInterval = cfg.MaxCoolDown
	if b.state == StateClosed {
		b.backoff.Reset()
		b.coolDown = cfg.CoolDown
	}
}

// Permit is an admission ticket returned by Allow.
type Permit struct {
	b          *Breaker
	generation uint64
	trial      bool
	done       bool
}

// Trial reports whether this permit is the half-open trial call.
func (p *Permit) Trial() bool {
	return p.trial
}

// Report records the outcome of the admitted call. Only the first report of a
// permit counts.
func (p *Permit) Report(outcome Outcome) {
	if p == nil || p.done {
		return
	}
	p.done = true
	p.b.report(p, outcome)
}

// Allow asks for admission of one call.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.advance(now)

	switch b.state {
	case StateOpen:
		b.reject(now)
		return nil, fmt.Errorf("%w: %s", ErrOpen, b.dependency)
	case StateHalfOpen:
		if b.trialInFlight {
			b.reject(now)
			return nil, fmt.Errorf("%w: %s", ErrTrialInFlight, b.dependency)
		}
		b.trialInFlight = true
		b.trialStarted = now
		return &Permit{b: b, generation: b.generation, trial: true}, nil
	default:
		return &Permit{b: b, generation: b.generation}, nil
	}
}

// Execute runs fn if the breaker admits it and records the outcome. An error
// wrapping context.DeadlineExceeded is recorded as a timeout. Rejections
// return ErrOpen or ErrTrialInFlight without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	permit, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	permit.Report(Classify(err))
	return err
}

// Classify maps a call error to an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}

// Record applies an outcome reported without a permit, e.g. by a caller that
// does not route its calls through the breaker. While half-open the report
// resolves the trial; while open it only produces an event.
func (b *Breaker) Record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.advance(now)
	b.emit(Event{Type: EventCall, At: now, Outcome: outcome})

	switch b.state {
	case StateClosed:
		b.recordClosed(outcome, now)
	case StateHalfOpen:
		b.resolveTrial(outcome, now)
	}
}

func (b *Breaker) report(p *Permit, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.emit(Event{Type: EventCall, At: now, Outcome: outcome})

	if p.generation != b.generation {
		// The breaker changed state since admission (for example, the trial
		// timed out). The outcome is still visible as an event.
		ctrl.Log.V(logging.TRACE).Info("Ignoring outcome of a call admitted in an earlier breaker state",
			"dependency", b.dependency, "outcome", outcome)
		return
	}

	switch {
	case b.state == StateClosed:
		b.recordClosed(outcome, now)
	case b.state == StateHalfOpen && p.trial:
		b.resolveTrial(outcome, now)
	}
}

func (b *Breaker) recordClosed(outcome Outcome, now time.Time) {
	b.prune(now)
	failed := outcome.Failed()
	b.calls = append(b.calls, call{at: now, failed: failed})
	if failed {
		b.failureCount++
	} else {
		b.failureCount = 0
	}

	total, failures := b.windowCounts()
	if total >= b.cfg.MinimumCalls && float64(failures)/float64(total) >= b.cfg.FailureRateThreshold {
		b.open(now, "FailureRateExceeded")
	}
}

func (b *Breaker) resolveTrial(outcome Outcome, now time.Time) {
	b.trialInFlight = false
	if outcome.Failed() {
		b.open(now, "TrialFailed")
		return
	}
	b.close(now)
}

// advance applies time-driven transitions. Caller holds mu.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.transition(StateHalfOpen, b.openUntil)
		b.trialInFlight = false
	}
	if b.state == StateHalfOpen && b.trialInFlight && b.cfg.TrialTimeout > 0 &&
		!now.Before(b.trialStarted.Add(b.cfg.TrialTimeout)) {
		at := b.trialStarted.Add(b.cfg.TrialTimeout)
		b.emit(Event{Type: EventCall, At: at, Outcome: OutcomeTimeout})
		b.resolveTrial(OutcomeTimeout, at)
		// A reopen here may itself have expired already.
		if b.state == StateOpen && !now.Before(b.openUntil) {
			b.transition(StateHalfOpen, b.openUntil)
		}
	}
}

func (b *Breaker) open(now time.Time, reason string) {
	b.coolDown = b.backoff.NextBackOff()
	b.openUntil = now.Add(b.coolDown)
	b.transition(StateOpen, now)
	ctrl.Log.Info("Circuit breaker opened",
		"dependency", b.dependency,
		"reason", reason,
		"coolDown", b.coolDown,
		"windowCalls", len(b.calls))
}

func (b *Breaker) close(now time.Time) {
	b.failureCount = 0
	b.calls = nil
	b.backoff.Reset()
	b.coolDown = b.cfg.CoolDown
	b.openUntil = time.Time{}
	b.transition(StateClosed, now)
	ctrl.Log.Info("Circuit breaker closed", "dependency", b.dependency)
}

func (b *Breaker) transition(to State, at time.Time) {
	from := b.state
	if !CanTransition(from, to) {
		// Unreachable through the public API.
		panic(fmt.Sprintf("breaker %s: illegal transition %s -> %s", b.dependency, from, to))
	}
	b.state = to
	b.lastStateChange = at
	b.generation++
	e := Event{Type: EventTransition, At: at, From: from, To: to}
	if to == StateOpen {
		e.CoolDown = b.coolDown
	}
	b.emit(e)
}

func (b *Breaker) reject(now time.Time) {
	b.rejected++
	b.emit(Event{Type: EventRejected, At: now})
}

func (b *Breaker) emit(e Event) {
	e.Dependency = b.dependency
	b.sink.OnBreakerEvent(e)
}

// prune drops calls older than the window. Caller holds mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.calls) && b.calls[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.calls = append(b.calls[:0], b.calls[i:]...)
	}
}

func (b *Breaker) windowCounts() (total, failures int) {
	for _, c := range b.calls {
		if c.failed {
			failures++
		}
	}
	return len(b.calls), failures
}

// State returns a snapshot, applying any pending time-driven transition first.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.advance(now)
	if b.state == StateClosed {
		b.prune(now)
	}
	total, failures := b.windowCounts()

	s := BreakerState{
		DependencyID:          b.dependency,
		State:                 b.state,
		FailureCount:          b.failureCount,
		LastStateChange:       b.lastStateChange,
		HalfOpenProbeInFlight: b.trialInFlight,
		CoolDown:              b.coolDown,
		WindowCalls:           total,
		WindowFailures:        failures,
		Rejected:              b.rejected,
	}
	if b.state == StateOpen {
		s.OpenUntil = b.openUntil
	}
	return s
}
