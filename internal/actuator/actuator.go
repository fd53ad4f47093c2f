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

package actuator

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/llm-d/llm-d-reliability-controller/internal/interfaces"
)

// ErrNotAccepted is returned when the environment did not take the decision
// as requested, for example when fewer replicas were set than asked for.
var ErrNotAccepted = errors.New("decision not accepted")

// Actuator applies decisions and reports the effective replica count.
type Actuator interface {
	// Apply applies a decision. Implementations must honor ctx cancellation.
	// The returned result carries the effective replica count observed after
	// the call, which may differ from the target.
	Apply(ctx context.Context, decision interfaces.ScalingDecision) (interfaces.ApplyResult, error)

	// CurrentEffectiveReplicas returns the number of replicas currently running.
	CurrentEffectiveReplicas(ctx context.Context) (int, error)
}

// EffectiveReplicasFunc reports the effective replica count from another source.
type EffectiveReplicasFunc func(ctx context.Context) (int, error)

// FormatHints renders hints as "dep=state,dep=state" sorted by dependency.
func FormatHints(hints interfaces.BreakerHints) string {
	deps := make([]string, 0, len(hints))
	for dep := range hints {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	var sb strings.Builder
	for i, dep := range deps {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(dep)
		sb.WriteByte('=')
		sb.WriteString(string(hints[dep]))
	}
	return sb.String()
}
