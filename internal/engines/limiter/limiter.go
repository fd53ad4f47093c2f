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

// Package limiter constrains proposed replica targets.
package limiter

import (
	"context"
	"fmt"

	"github.com/llm-d/llm-d-reliability-controller/internal/config"
)

// Limiter constrains a proposed replica target given the current replica count.
type Limiter interface {
	// Limit returns the constrained target.
	Limit(ctx context.Context, current, target int) int
}

// LimiterStrategy is an enumeration of the available limiters
type LimiterStrategy int

// enumeration of LimiterStrategy
const (
	StepStrategy LimiterStrategy = iota
	BoundsStrategy
)

func (s LimiterStrategy) String() string {
	switch s {
	case StepStrategy:
		return "step"
	case BoundsStrategy:
		return "bounds"
	default:
		return fmt.Sprintf("LimiterStrategy(%d)", int(s))
	}
}

// NewLimiter is a factory that creates a Limiter for the given strategy.
func NewLimiter(strategy LimiterStrategy, cfg config.ScalingConfig) (Limiter, error) {
	switch strategy {
	case StepStrategy:
		return NewStepLimiter(cfg.ScaleUpMaxRate, cfg.ScaleUpMaxStep, cfg.ScaleDownMaxStep)
	case BoundsStrategy:
		return NewBoundsLimiter(cfg.MinReplicas, cfg.MaxReplicas)
	default:
		return nil, fmt.Errorf("unsupported limiter strategy: %v", strategy)
	}
}

// Chain applies limiters in order.
type Chain []Limiter

func (c Chain) Limit(ctx context.Context, current, target int) int {
	for _, l := range c {
		target = l.Limit(ctx, current, target)
	}
	return target
}

// NewChain builds the bounds limiter followed by the step limiter. Step caps
// run last so that a single cycle never moves further than the configured
// steps, even when the current count is outside the bounds.
func NewChain(cfg config.ScalingConfig) (Chain, error) {
	var chain Chain
	for _, s := range []LimiterStrategy{BoundsStrategy, StepStrategy} {
		l, err := NewLimiter(s, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s limiter: %w", s, err)
		}
		chain = append(chain, l)
	}
	return chain, nil
}
