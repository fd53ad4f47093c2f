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

package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
)

// DefaultsKey is the ConfigMap key holding the defaults that apply to every
// dependency without its own entry.
const DefaultsKey = "default"

// BreakerOverride is one ConfigMap entry. Zero fields inherit the value from
// the defaults entry, and from the static BreakerConfig below that.
type BreakerOverride struct {
	// DependencyID is required on every entry except DefaultsKey.
	DependencyID string `yaml:"dependency_id,omitempty"`

	BreakerConfig `yaml:",inline"`
}

// BreakerOverrides maps dependency IDs (and DefaultsKey) to their override.
type BreakerOverrides map[string]BreakerOverride

// ParseBreakerOverrides parses per-dependency breaker policy from ConfigMap data.
// The ConfigMap format:
//   - "default": overrides applied to all dependencies
//   - "<entry-name>": per-dependency overrides with a dependency_id field
//
// Invalid entries are logged and skipped. When two entries name the same
// dependency the first key in lexical order wins.
func ParseBreakerOverrides(data map[string]string) BreakerOverrides {
	out := make(BreakerOverrides)
	if data == nil {
		return out
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	winners := make(map[string]string)
	for _, key := range keys {
		var entry BreakerOverride
		if err := yaml.Unmarshal([]byte(data[key]), &entry); err != nil {
			ctrl.Log.Info("Failed to parse breaker override entry, skipping",
				"key", key,
				"error", err)
			continue
		}

		if err := entry.validate(); err != nil {
			ctrl.Log.Info("Invalid breaker override entry, skipping",
				"key", key,
				"error", err)
			continue
		}

		if key == DefaultsKey {
			out[DefaultsKey] = entry
			continue
		}

		if entry.DependencyID == "" {
			ctrl.Log.Info("Skipping breaker override without dependency_id field",
				"key", key)
			continue
		}

		if winner, exists := winners[entry.DependencyID]; exists {
			ctrl.Log.Info("Duplicate dependency_id found in breaker overrides - first key wins",
				"dependency_id", entry.DependencyID,
				"winningKey", winner,
				"duplicateKey", key)
			continue
		}
		winners[entry.DependencyID] = key
		out[entry.DependencyID] = entry
	}

	ctrl.Log.V(logging.DEBUG).Info("Parsed breaker overrides",
		"dependencyCount", len(out))

	return out
}

// validate checks only the fields that are set.
func (o BreakerOverride) validate() error {
	if o.FailureRateThreshold < 0 || o.FailureRateThreshold > 1 {
		return fmt.Errorf("failureRateThreshold must be between 0 and 1, got %.2f", o.FailureRateThreshold)
	}
	if o.MinimumCalls < 0 {
		return fmt.Errorf("minimumCalls must be >= 0, got %d", o.MinimumCalls)
	}
	if o.Window < 0 || o.CoolDown < 0 || o.MaxCoolDown < 0 || o.TrialTimeout < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	if o.CoolDown != 0 && o.MaxCoolDown != 0 && o.MaxCoolDown < o.CoolDown {
		return fmt.Errorf("maxCoolDown (%s) should be >= coolDown (%s)", o.MaxCoolDown, o.CoolDown)
	}
	return nil
}

// ForDependency returns the effective policy for a dependency: base, then the
// defaults entry, then the dependency's own entry.
func (data BreakerOverrides) ForDependency(dependencyID string, base BreakerConfig) BreakerConfig {
	result := base
	if defaults, ok := data[DefaultsKey]; ok {
		result = mergeBreaker(result, defaults.BreakerConfig)
	}
	if entry, ok := data[dependencyID]; ok {
		result = mergeBreaker(result, entry.BreakerConfig)
	}
	if result.MaxCoolDown < result.CoolDown {
		result.MaxCoolDown = result.CoolDown
	}
	return result
}

func mergeBreaker(into, from BreakerConfig) BreakerConfig {
	if from.Window != 0 {
		into.Window = from.Window
	}
	if from.FailureRateThreshold != 0 {
		into.FailureRateThreshold = from.FailureRateThreshold
	}
	if from.MinimumCalls != 0 {
		into.MinimumCalls = from.MinimumCalls
	}
	if from.CoolDown != 0 {
		into.CoolDown = from.CoolDown
	}
	if from.MaxCoolDown != 0 {
		into.MaxCoolDown = from.MaxCoolDown
	}
	if from.TrialTimeout != 0 {
		into.TrialTimeout = from.TrialTimeout
	}
	return into
}

// LoadBreakerOverrides reads the overrides ConfigMap referenced as
// "namespace/name". A reference without a namespace uses defaultNamespace.
func LoadBreakerOverrides(ctx context.Context, clientset kubernetes.Interface, ref, defaultNamespace string) (BreakerOverrides, error) {
	namespace, name := defaultNamespace, ref
	if ns, n, ok := strings.Cut(ref, "/"); ok {
		namespace, name = ns, n
	}
	if name == "" {
		return nil, fmt.Errorf("empty breaker overrides ConfigMap reference %q", ref)
	}

	cm, err := clientset.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get breaker overrides ConfigMap %s/%s: %w", namespace, name, err)
	}

	ctrl.LoggerFrom(ctx).Info("Loaded breaker overrides ConfigMap",
		"namespace", namespace,
		"name", name,
		"entries", len(cm.Data))
	return ParseBreakerOverrides(cm.Data), nil
}
