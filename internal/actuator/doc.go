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

// Package actuator applies scaling decisions to the environment.
//
// The controller only talks to the Actuator interface. Two implementations
// are provided:
//
// MetricsActuator uses an indirect actuation model. It publishes the target
// as a gauge that an external autoscaler (HPA or KEDA) consumes:
//
//	Controller → MetricsActuator → Prometheus → HPA/KEDA → Deployment
//
//	reliability_actuator_desired_replicas{namespace="shop", target="api"} = 8
//
// An HPA consumes it with an External or Object metric:
//
//	metrics:
//	- type: External
//	  external:
//	    metric:
//	      name: reliability_actuator_desired_replicas
//	      selector:
//	        matchLabels:
//	          target: api
//	    target:
//	      type: Value
//	      value: "1"
//
// DeploymentActuator updates Deployment.spec.replicas directly and records
// the breaker posture and decision ID as annotations.
//
// Both report the effective replica count as observed, never as requested, so
// that the next cycle reconciles against what actually happened.
package actuator
