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
	"sort"
	"sync"

	"k8s.io/utils/clock"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
)

// Registry holds one Breaker per dependency, created on first use.
type Registry struct {
	base      config.BreakerConfig
	overrides config.BreakerOverrides
	clock     clock.PassiveClock
	sink      EventSink

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. overrides and sink may be nil.
func NewRegistry(base config.BreakerConfig, overrides config.BreakerOverrides, clk clock.PassiveClock, sink EventSink) *Registry {
	return &Registry{
		base:      base,
		overrides: overrides,
		clock:     clk,
		sink:      sink,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it if needed.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b = New(dependency, r.overrides.ForDependency(dependency, r.base), r.clock, r.sink)
	r.breakers[dependency] = b
	return b
}

// SetOverrides replaces the per-dependency overrides and reconfigures every
// existing breaker with its new effective policy.
func (r *Registry) SetOverrides(overrides config.BreakerOverrides) {
	r.mu.Lock()
	r.overrides = overrides
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reconfigure(overrides.ForDependency(b.Dependency(), r.base))
	}
}

func (r *Registry) list() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

// Snapshot returns the state of every breaker sorted by dependency.
func (r *Registry) Snapshot() []BreakerState {
	breakers := r.list()
	out := make([]BreakerState, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DependencyID < out[j].DependencyID })
	return out
}

// States returns dependency -> current state.
func (r *Registry) States() map[string]State {
	snap := r.Snapshot()
	out := make(map[string]State, len(snap))
	for _, s := range snap {
		out[s.DependencyID] = s.State
	}
	return out
}

// OpenDependencies returns the sorted IDs of dependencies whose breaker is open.
func (r *Registry) OpenDependencies() []string {
	var out []string
	for _, s := range r.Snapshot() {
		if s.State == StateOpen {
			out = append(out, s.DependencyID)
		}
	}
	return out
}
