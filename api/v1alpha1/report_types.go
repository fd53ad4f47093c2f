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

package v1alpha1

// The report types are accepted by the ingestion endpoints, either as a
// single JSON object or as a JSON array of objects.

// RequestReport is one served request.
type RequestReport struct {
	InstanceID     string  `json:"instanceId"`
	LatencySeconds float64 `json:"latencySeconds"`
	// StatusCode is the HTTP status returned to the client. 5xx counts as an
	// error.
	StatusCode int `json:"statusCode"`
}

// SaturationReport is a utilization ratio of one instance.
type SaturationReport struct {
	InstanceID string  `json:"instanceId"`
	Ratio      float64 `json:"ratio"`
}

// InstanceReport registers an instance with the probe supervisor, or removes
// it. Registration is needed before probe reports are accepted when pod
// discovery is disabled.
type InstanceReport struct {
	InstanceID string `json:"instanceId"`
	// +optional
	Deregister bool `json:"deregister,omitempty"`
}

// ProbeReport is the result of one liveness, readiness or startup probe.
type ProbeReport struct {
	InstanceID string `json:"instanceId"`
	// Kind is one of liveness, readiness or startup.
	Kind string `json:"kind"`
	// Outcome is pass or fail.
	Outcome string `json:"outcome"`
}

// DependencyCallReport is the outcome of one call to a downstream
// dependency made without going through the breaker.
type DependencyCallReport struct {
	DependencyID string `json:"dependencyId"`
	// Outcome is success, failure or timeout.
	Outcome string `json:"outcome"`
}

// IngestResponse summarizes a batch of reports.
type IngestResponse struct {
	Accepted int `json:"accepted"`
	// +optional
	Rejected []RejectedReport `json:"rejected,omitempty"`
	// Error is set when the body could not be decoded.
	// +optional
	Error string `json:"error,omitempty"`
}

// RejectedReport is a report of a batch that failed validation.
type RejectedReport struct {
	// Index is the position of the report in the batch.
	Index int    `json:"index"`
	Error string `json:"error"`
}
