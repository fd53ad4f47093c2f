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

// Package collector turns raw telemetry into samples for the signal aggregator.
//
// # Push path
//
// The serving layer reports every request and periodic saturation readings
// through the Sampler:
//
//	sampler := collector.NewSampler(aggregator, clock.RealClock{}, m)
//	sampler.ReportRequest(120*time.Millisecond, 200, "pod-a")
//	sampler.ReportSaturation("pod-a", 0.72)
//
// A request produces one request sample and one latency sample (seconds);
// a 5xx status also produces an error sample. Reports never block: the
// aggregator drops and counts samples it cannot record immediately.
//
// # Pull path
//
// Signals that are cheaper to query than to push (for example CPU saturation
// already scraped by Prometheus) come from a MetricSource. The Collector runs
// one ticker per source at the source's CollectionInterval and forwards the
// samples to the same writer:
//
//	src, _ := collector.NewPrometheusSource(addr, query, 15*time.Second, clk)
//	c := collector.NewCollector(aggregator, clk, src)
//	go c.Run(ctx)
//
// A failed collection is logged and retried at the next tick; it never stops
// the other sources.
//
// # Golden signals
//
// The Sampler also exports the reported traffic as Prometheus metrics
// (requests by status class and a latency histogram) when given a non-nil
// *metrics.Metrics.
package collector
