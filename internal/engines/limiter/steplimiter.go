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

package limiter

import (
	"context"
	"fmt"
	"math"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
)

// StepLimiter caps how far a target may move away from the current count in
// one cycle.
type StepLimiter struct {
	// UpRate is the maximum multiple of the current count, e.g. 2 for doubling.
	// A rate of exactly 1 disables growth except from zero replicas.
	UpRate float64
	// UpStep additionally caps growth to current+UpStep. Zero means no cap.
	UpStep int
	// DownStep is the maximum number of replicas removed per cycle.
	DownStep int
}

// NewStepLimiter validates and creates a StepLimiter.
func NewStepLimiter(upRate float64, upStep, downStep int) (*StepLimiter, error) {
	if upRate < 1 || math.IsNaN(upRate) || math.IsInf(upRate, 0) {
		return nil, fmt.Errorf("scale up rate must be a finite value >= 1, got %v", upRate)
	}
	if upStep < 0 {
		return nil, fmt.Errorf("scale up step must be >= 0, got %d", upStep)
	}
	if downStep < 1 {
		return nil, fmt.Errorf("scale down step must be >= 1, got %d", downStep)
	}
	return &StepLimiter{UpRate: upRate, UpStep: upStep, DownStep: downStep}, nil
}

// MaxUp returns the largest target reachable from current in one cycle.
// Any rate above 1 allows growth by at least one replica, and zero replicas
// may always grow to one.
func (l *StepLimiter) MaxUp(current int) int {
	limit := int(math.Floor(float64(current) * l.UpRate))
	if l.UpStep > 0 && current+l.UpStep < limit {
		limit = current + l.UpStep
	}
	if (l.UpRate > 1 || current <= 0) && limit < current+1 {
		limit = current + 1
	}
	return limit
}

// MinDown returns the smallest target reachable from current in one cycle.
func (l *StepLimiter) MinDown(current int) int {
	return max(current-l.DownStep, 0)
}

func (l *StepLimiter) Limit(ctx context.Context, current, target int) int {
	limited := target
	if up := l.MaxUp(current); limited > up {
		limited = up
	}
	if down := l.MinDown(current); limited < down {
		limited = down
	}
	if limited != target {
		ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Step limit applied",
			"current", current, "proposed", target, "limited", limited)
	}
	return limited
}
