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

// Package discovery keeps the probe supervisor's instance registrations in
// sync with the pods of the scaled workload. Pods are selected by label;
// each active pod is one instance, identified by the pod name unless the
// reliability.llm-d.ai/instance-id annotation overrides it.
package discovery

import "errors"

var errEmptySelector = errors.New("discovery selector is empty")

// Registrar is the part of the probe supervisor discovery drives.
type Registrar interface {
	Register(instanceID string) error
	Deregister(instanceID string) bool
}

// SyncResult summarizes one synchronization.
type SyncResult struct {
	// Active is the number of active pods matching the selector.
	Active       int
	Registered   []string
	Deregistered []string
	// Rejected lists identities the registrar refused, e.g. failed ones.
	Rejected []string
}
