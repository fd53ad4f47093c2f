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

// Package probe tracks per-instance health from liveness, readiness and
// startup probe results.
//
// Each instance moves through starting, ready, unready and failed according
// to a fixed transition table. Probe results for one instance are applied in
// arrival order under that instance's lock; instances never share a lock
// except for the registration map.
package probe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
)

type instance struct {
	mu     sync.Mutex
	health InstanceHealth
}

// Supervisor owns every InstanceHealth record.
type Supervisor struct {
	cfg     config.ProbeConfig
	clock   clock.PassiveClock
	metrics *metrics.Metrics

	mu         sync.RWMutex
	instances  map[string]*instance
	// tombstones holds failed identities that were deregistered.
	tombstones map[string]struct{}

	listeners []Listener
}

// NewSupervisor creates a Supervisor. Listeners are fixed at construction.
func NewSupervisor(cfg config.ProbeConfig, clk clock.PassiveClock, m *metrics.Metrics, listeners ...Listener) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		clock:     clk,
		metrics:   m,
		instances:  make(map[string]*instance),
		tombstones: make(map[string]struct{}),
		listeners:  listeners,
	}
}

// Register adds an instance in the starting state. Registering a live
// instance again is a no-op; a failed identity cannot be reused.
func (s *Supervisor) Register(instanceID string) error {
	if instanceID == "" {
		return fmt.Errorf("%w: empty instance id", ErrInvalidProbeReport)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tombstones[instanceID]; ok {
		return fmt.Errorf("%w: %s", ErrInstanceFailed, instanceID)
	}
	if existing, ok := s.instances[instanceID]; ok {
		existing.mu.Lock()
		failed := existing.health.State == StateFailed
		existing.mu.Unlock()
		if failed {
			return fmt.Errorf("%w: %s", ErrInstanceFailed, instanceID)
		}
		return nil
	}

	now := s.clock.Now()
	s.instances[instanceID] = &instance{health: InstanceHealth{
		InstanceID:         instanceID,
		State:              StateStarting,
		RegisteredAt:       now,
		LastTransitionTime: now,
	}}
	ctrl.Log.V(logging.DEBUG).Info("Registered instance", "instance", instanceID)
	return nil
}

// Deregister removes an instance and reports whether it was registered.
// A failed identity stays unusable after it is removed.
func (s *Supervisor) Deregister(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return false
	}
	inst.mu.Lock()
	failed := inst.health.State == StateFailed
	inst.mu.Unlock()
	if failed {
		s.tombstones[instanceID] = struct{}{}
	}
	delete(s.instances, instanceID)
	ctrl.Log.V(logging.DEBUG).Info("Deregistered instance", "instance", instanceID)
	return true
}

func (s *Supervisor) lookup(instanceID string) (*instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	return inst, ok
}

// ReportProbe applies one probe result. Results for a failed instance are
// ignored.
func (s *Supervisor) ReportProbe(instanceID string, kind Kind, outcome Outcome) error {
	inst, ok := s.lookup(instanceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if outcome != OutcomePass && outcome != OutcomeFail {
		return fmt.Errorf("%w: outcome %q", ErrInvalidProbeReport, outcome)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	h := &inst.health
	if h.State == StateFailed {
		return nil
	}
	now := s.clock.Now()
	pass := outcome == OutcomePass

	switch kind {
	case KindLiveness:
		if pass {
			h.LivenessFailures = 0
			return nil
		}
		h.LivenessFailures++
		if h.LivenessFailures >= s.cfg.LivenessFailureThreshold {
			return s.transition(h, StateFailed, now, "LivenessFailed")
		}

	case KindStartup:
		if h.State != StateStarting {
			return nil
		}
		if pass {
			h.StartupPassed = true
			h.StartupFailures = 0
			return nil
		}
		h.StartupFailures++
		if h.StartupFailures >= s.cfg.LivenessFailureThreshold {
			return s.transition(h, StateFailed, now, "StartupFailed")
		}

	case KindReadiness:
		if pass {
			h.ConsecutiveSuccesses++
			h.ConsecutiveFailures = 0
			switch h.State {
			case StateStarting:
				if s.startupComplete(h, now) && h.ConsecutiveSuccesses >= s.cfg.SuccessThreshold {
					return s.transition(h, StateReady, now, "ReadinessPassed")
				}
			case StateUnready:
				if h.ConsecutiveSuccesses >= s.cfg.SuccessThreshold {
					return s.transition(h, StateReady, now, "ReadinessRecovered")
				}
			}
			return nil
		}
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		if h.State == StateReady && h.ConsecutiveFailures >= s.cfg.FailureThreshold {
			return s.transition(h, StateUnready, now, "ReadinessFailed")
		}

	default:
		return fmt.Errorf("%w: probe kind %q", ErrInvalidProbeReport, kind)
	}
	return nil
}

func (s *Supervisor) startupComplete(h *InstanceHealth, now time.Time) bool {
	return h.StartupPassed || !now.Before(h.RegisteredAt.Add(s.cfg.StartupGracePeriod))
}

// transition changes state and notifies listeners. Caller holds the instance lock.
func (s *Supervisor) transition(h *InstanceHealth, to State, now time.Time, reason string) error {
	from := h.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for instance %s", ErrIllegalTransition, from, to, h.InstanceID)
	}
	h.State = to
	h.LastTransitionTime = now

	logger := ctrl.Log.WithValues("instance", h.InstanceID, "from", from, "to", to, "reason", reason)
	if to == StateFailed {
		s.metrics.IncInstanceFailure()
		logger.Info("Instance failed and should be replaced")
	} else {
		logger.V(logging.DEBUG).Info("Instance state changed")
	}

	t := Transition{InstanceID: h.InstanceID, From: from, To: to, At: now, Reason: reason}
	for _, l := range s.listeners {
		l(t)
	}
	return nil
}

// Get returns a copy of one instance's health.
func (s *Supervisor) Get(instanceID string) (InstanceHealth, bool) {
	inst, ok := s.lookup(instanceID)
	if !ok {
		return InstanceHealth{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.health, true
}

func (s *Supervisor) all() []*instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

// Snapshot returns copies of all health records sorted by instance ID.
func (s *Supervisor) Snapshot() []InstanceHealth {
	insts := s.all()
	out := make([]InstanceHealth, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		out = append(out, inst.health)
		inst.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Counts returns the number of instances per state. Every state is present.
func (s *Supervisor) Counts() map[State]int {
	counts := make(map[State]int, len(AllStates))
	for _, st := range AllStates {
		counts[st] = 0
	}
	for _, h := range s.Snapshot() {
		counts[h.State]++
	}
	return counts
}

// EligibleCount returns the number of ready instances.
func (s *Supervisor) EligibleCount() int {
	return s.Counts()[StateReady]
}

// IDs returns the registered instance IDs, sorted.
func (s *Supervisor) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
