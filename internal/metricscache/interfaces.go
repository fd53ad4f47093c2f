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

package metricscache

// Reader provides read-only access to the rolling windows.
// This interface is used by the scaling engine and the status endpoint.
type Reader interface {
	// Snapshot returns the aggregate of the instance-wide window for kind.
	Snapshot(kind MetricKind) Snapshot

	// SnapshotFor returns the aggregate of a dependency-keyed window.
	SnapshotFor(kind MetricKind, dependency string) Snapshot

	// AttributedErrorRate returns the per-second rate of errors and
	// rejections recorded against the given dependencies.
	AttributedErrorRate(dependencies []string) float64

	// Dropped returns the number of samples dropped since startup.
	Dropped() uint64
}

// Writer provides write access to the windows.
// This interface is used by the sampler and metric sources.
type Writer interface {
	// Record appends a sample to its window. It never blocks and never fails;
	// a sample that cannot be recorded is dropped and counted.
	Record(sample Sample)
}

// ReadWriter combines both read and write access.
type ReadWriter interface {
	Reader
	Writer
}
