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
	"math"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/internal/constants"
	"github.com/llm-d/llm-d-reliability-controller/internal/interfaces"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
)

// DeploymentActuator scales a Deployment through the Kubernetes API.
type DeploymentActuator struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

// NewDeploymentActuator creates an actuator for namespace/name.
func NewDeploymentActuator(client kubernetes.Interface, namespace, name string) (*DeploymentActuator, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client cannot be nil")
	}
	if name == "" {
		return nil, fmt.Errorf("deployment name cannot be empty")
	}
	return &DeploymentActuator{client: client, namespace: namespace, name: name}, nil
}

func (a *DeploymentActuator) get(ctx context.Context) (*appsv1.Deployment, error) {
	d, err := a.client.AppsV1().Deployments(a.namespace).Get(ctx, a.name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s/%s: %w", a.namespace, a.name, err)
	}
	return d, nil
}

func (a *DeploymentActuator) Apply(ctx context.Context, d interfaces.ScalingDecision) (interfaces.ApplyResult, error) {
	logger := ctrl.LoggerFrom(ctx).WithValues("deployment", a.namespace+"/"+a.name)
	result := interfaces.ApplyResult{DecisionID: d.ID}

	if d.TargetReplicas < 0 || d.TargetReplicas > math.MaxInt32 {
		return result, fmt.Errorf("target replicas %d out of range", d.TargetReplicas)
	}
	desired := int32(d.TargetReplicas)
	hints := FormatHints(d.BreakerHints)

	var updated *appsv1.Deployment
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deployment, err := a.get(ctx)
		if err != nil {
			return err
		}

		current := ptr.Deref(deployment.Spec.Replicas, 1)
		if current == desired && deployment.Annotations[constants.BreakerHintsAnnotation] == hints {
			logger.V(logging.DEBUG).Info("No scaling needed", "replicas", current)
			updated = deployment
			return nil
		}

		deployment.Spec.Replicas = ptr.To(desired)
		if deployment.Annotations == nil {
			deployment.Annotations = make(map[string]string)
		}
		deployment.Annotations[constants.BreakerHintsAnnotation] = hints
		deployment.Annotations[constants.DecisionIDAnnotation] = d.ID

		updated, err = a.client.AppsV1().Deployments(a.namespace).Update(ctx, deployment, metav1.UpdateOptions{})
		if err != nil {
			return err
		}
		logger.Info("Deployment scaled", "from", current, "to", desired, "decision", d.ID)
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to update deployment %s/%s: %w", a.namespace, a.name, err)
	}

	result.EffectiveReplicas = effectiveReplicas(updated)
	if got := ptr.Deref(updated.Spec.Replicas, 1); got != desired {
		return result, fmt.Errorf("%w: requested %d replicas, deployment has %d", ErrNotAccepted, desired, got)
	}
	result.Accepted = true
	return result, nil
}

func (a *DeploymentActuator) CurrentEffectiveReplicas(ctx context.Context) (int, error) {
	d, err := a.get(ctx)
	if err != nil {
		return 0, err
	}
	return effectiveReplicas(d), nil
}

// effectiveReplicas is the number of available replicas, never more than the
// requested count.
func effectiveReplicas(d *appsv1.Deployment) int {
	available := int(d.Status.AvailableReplicas)
	if d.Spec.Replicas != nil && int(*d.Spec.Replicas) < available {
		return int(*d.Spec.Replicas)
	}
	return available
}
