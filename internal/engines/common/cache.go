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

// Package common holds state shared between the decision engine and the
// controller.
package common

import (
	"sync"
	"time"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/interfaces"
)

// DecisionRecord is a decision together with the outcome of applying it.
type DecisionRecord struct {
	Decision interfaces.ScalingDecision
	// Result is nil until the decision was applied or skipped.
	Result   *interfaces.ApplyResult
	ApplyErr string
}

// InternalDecisionCache keeps the latest decision per scale target.
type InternalDecisionCache struct {
	mu    sync.RWMutex
	items map[string]DecisionRecord
}

// NewDecisionCache creates an empty cache.
func NewDecisionCache() *InternalDecisionCache {
	return &InternalDecisionCache{items: make(map[string]DecisionRecord)}
}

func cacheKey(name, namespace string) string {
	return namespace + "/" + name
}

// Set stores the decision for a target, clearing any previous apply outcome.
func (c *InternalDecisionCache) Set(name, namespace string, d interfaces.ScalingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey(name, namespace)] = DecisionRecord{Decision: d}
}

// SetResult attaches an apply outcome to the cached decision with the same ID.
// It returns false when the cached decision has been replaced meanwhile.
func (c *InternalDecisionCache) SetResult(name, namespace string, result interfaces.ApplyResult, applyErr error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(name, namespace)
	rec, ok := c.items[key]
	if !ok || rec.Decision.ID != result.DecisionID {
		return false
	}
	rec.Result = &result
	rec.ApplyErr = ""
	if applyErr != nil {
		rec.ApplyErr = applyErr.Error()
	}
	c.items[key] = rec
	return true
}

// Get returns the record for a target.
func (c *InternalDecisionCache) Get(name, namespace string) (DecisionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.items[cacheKey(name, namespace)]
	return rec, ok
}

// GlobalConfig holds settings that may change at runtime.
type GlobalConfig struct {
	mu               sync.RWMutex
	evaluationPeriod time.Duration
	breakerOverrides config.BreakerOverrides
}

// UpdateEvaluationPeriod replaces the evaluation period.
func (c *GlobalConfig) UpdateEvaluationPeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluationPeriod = d
}

func (c *GlobalConfig) GetEvaluationPeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evaluationPeriod
}

// UpdateBreakerOverrides replaces the per-dependency breaker overrides.
func (c *GlobalConfig) UpdateBreakerOverrides(o config.BreakerOverrides) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakerOverrides = o
}

// GetBreakerOverrides returns the current overrides. The map must not be modified.
func (c *GlobalConfig) GetBreakerOverrides() config.BreakerOverrides {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.breakerOverrides
}

// DecisionToTarget extracts the actuation-relevant fields of a decision.
func DecisionToTarget(d interfaces.ScalingDecision) (int, interfaces.BreakerHints, time.Time) {
	return d.TargetReplicas, d.BreakerHints, d.DecidedAt
}
