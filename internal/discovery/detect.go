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

package discovery

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/llm-d/llm-d-reliability-controller/internal/constants"
)

// InstanceID returns the instance identity of a pod.
func InstanceID(pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	if id := pod.Annotations[constants.InstanceIDAnnotation]; id != "" {
		return id
	}
	return pod.Name
}

// IsActive reports whether a pod should be registered: it is scheduled to
// run and is not being deleted.
func IsActive(pod *corev1.Pod) bool {
	if pod == nil || pod.DeletionTimestamp != nil {
		return false
	}
	switch pod.Status.Phase {
	case corev1.PodSucceeded, corev1.PodFailed:
		return false
	default:
		return true
	}
}
