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
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/engines/common"
	"github.com/llm-d/llm-d-reliability-controller/internal/interfaces"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
)

// MetricsActuator publishes decisions as Prometheus gauges.
type MetricsActuator struct {
	metrics   *metrics.Metrics
	namespace string
	target    string
	effective EffectiveReplicasFunc
}

// NewMetricsActuator creates a MetricsActuator publishing under the given
// namespace and target labels. effective supplies the observed replica count.
func NewMetricsActuator(m *metrics.Metrics, namespace, target string, effective EffectiveReplicasFunc) (*MetricsActuator, error) {
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if effective == nil {
		return nil, fmt.Errorf("effective replicas source cannot be nil")
	}
	return &MetricsActuator{metrics: m, namespace: namespace, target: target, effective: effective}, nil
}

func (a *MetricsActuator) Apply(ctx context.Context, d interfaces.ScalingDecision) (interfaces.ApplyResult, error) {
	logger := ctrl.LoggerFrom(ctx)
	result := interfaces.ApplyResult{DecisionID: d.ID}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	replicas, hints, _ := common.DecisionToTarget(d)
	a.metrics.SetActuatorTarget(a.namespace, a.target, replicas)
	for dep, state := range hints {
		a.metrics.SetBreakerHint(dep, string(state), breaker.StateNames())
	}
	logger.Info("Published desired replicas",
		"namespace", a.namespace,
		"target", a.target,
		"replicas", replicas,
		"hints", FormatHints(hints))

	effective, err := a.effective(ctx)
	if err != nil {
		return result, fmt.Errorf("reading effective replicas: %w", err)
	}
	result.Accepted = true
	result.EffectiveReplicas = effective
	return result, nil
}

func (a *MetricsActuator) CurrentEffectiveReplicas(ctx context.Context) (int, error) {
	return a.effective(ctx)
}
