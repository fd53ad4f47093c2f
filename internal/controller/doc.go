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

// Package controller wires the reliability control loop together.
//
// The Reconciler owns the signal aggregator, the probe supervisor, the
// breaker registry and the scaling engine, and drives an Actuator on a
// fixed cadence.
//
// # Ingestion
//
// The serving layer reports into the Reconciler:
//   - ReportRequest and ReportSaturation feed the sliding windows
//   - ReportProbe feeds the per-instance health state machine
//   - ReportDependencyCall feeds the dependency's circuit breaker
//   - RegisterInstance and DeregisterInstance manage instance identities
//
// Every breaker event is routed back into the aggregator: trips, rejections
// and failed calls become dependency-keyed samples, which lets the engine
// tell errors caused by an open dependency from errors of the service itself.
//
// # Evaluation Cycle
//
//  1. Read the effective replica count from the actuator
//  2. Count eligible (ready) instances and snapshot breaker states
//  3. Run the scaling engine
//  4. Skip the cycle if computing the decision took longer than the period
//  5. Apply the decision, if any, under ApplyTimeout
//  6. Track consecutive actuation failures against the retry budget
//
// A tick that arrives while a cycle is still running is skipped and counted
// as a missed cycle. Nothing in the loop is fatal.
//
// # Usage
//
// The Reconciler is constructed in cmd/main.go:
//
//	r, err := controller.NewReconciler(cfg, controller.Options{
//		Actuator: act,
//		Metrics:  m,
//	})
//	if err != nil {
//		setupLog.Error(err, "unable to create reconciler")
//		os.Exit(1)
//	}
//	g.Go(func() error { return r.Run(ctx) })
package controller
