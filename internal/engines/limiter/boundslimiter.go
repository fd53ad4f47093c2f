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

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
)

// BoundsLimiter clamps a target to [Min, Max].
type BoundsLimiter struct {
	Min int
	Max int
}

// NewBoundsLimiter validates and creates a BoundsLimiter.
func NewBoundsLimiter(minReplicas, maxReplicas int) (*BoundsLimiter, error) {
	if minReplicas < 0 {
		return nil, fmt.Errorf("min replicas must be >= 0, got %d", minReplicas)
	}
	if maxReplicas < minReplicas || maxReplicas < 1 {
		return nil, fmt.Errorf("max replicas must be >= 1 and >= min replicas (%d), got %d", minReplicas, maxReplicas)
	}
	return &BoundsLimiter{Min: minReplicas, Max: maxReplicas}, nil
}

func (l *BoundsLimiter) Limit(ctx context.Context, _ int, target int) int {
	limited := min(max(target, l.Min), l.Max)
	if limited != target {
		ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Replica bounds applied",
			"proposed", target, "limited", limited, "min", l.Min, "max", l.Max)
	}
	return limited
}
