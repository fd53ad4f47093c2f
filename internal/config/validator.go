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
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/labels"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config key, e.g. "scaling.high_watermark"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidActuatorKinds returns the supported actuator kinds.
func ValidActuatorKinds() []string {
	return []string{ActuatorKindMetrics, ActuatorKindKubernetes}
}

// Validate checks the Config for invalid values and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, c.validateLoop()...)
	errs = append(errs, c.validateWindow()...)
	errs = append(errs, c.validateScaling()...)
	errs = append(errs, c.Breaker.validate("breaker")...)
	errs = append(errs, c.validateProbe()...)
	errs = append(errs, c.validateActuator()...)
	errs = append(errs, c.validateDiscovery()...)
	errs = append(errs, c.validatePrometheus()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateLoop() []ValidationError {
	var errs []ValidationError
	if c.Loop.EvaluationPeriod <= 0 {
		errs = append(errs, ValidationError{"loop.evaluation_period", c.Loop.EvaluationPeriod, "must be positive"})
	}
	if c.Loop.ApplyTimeout <= 0 {
		errs = append(errs, ValidationError{"loop.apply_timeout", c.Loop.ApplyTimeout, "must be positive"})
	}
	if c.Loop.ActuationRetryBudget < 1 {
		errs = append(errs, ValidationError{"loop.actuation_retry_budget", c.Loop.ActuationRetryBudget, "must be at least 1"})
	}
	return errs
}

func (c *Config) validateWindow() []ValidationError {
	var errs []ValidationError
	if c.Window.Duration <= 0 {
		errs = append(errs, ValidationError{"window.duration", c.Window.Duration, "must be positive"})
	}
	if c.Window.MaxSamples < 1 {
		errs = append(errs, ValidationError{"window.max_samples", c.Window.MaxSamples, "must be at least 1"})
	}
	return errs
}

func (c *Config) validateScaling() []ValidationError {
	var errs []ValidationError
	s := c.Scaling

	if s.HighWatermark <= 0 {
		errs = append(errs, ValidationError{"scaling.high_watermark", s.HighWatermark, "must be positive"})
	}
	if s.LowWatermark < 0 || s.LowWatermark >= s.HighWatermark {
		errs = append(errs, ValidationError{"scaling.low_watermark", s.LowWatermark, "must be >= 0 and below high_watermark"})
	}
	if s.ScaleUpCycles < 1 {
		errs = append(errs, ValidationError{"scaling.scale_up_cycles", s.ScaleUpCycles, "must be at least 1"})
	}
	if s.ScaleDownCycles < 1 {
		errs = append(errs, ValidationError{"scaling.scale_down_cycles", s.ScaleDownCycles, "must be at least 1"})
	}
	if s.ScaleUpMaxRate < 1 {
		errs = append(errs, ValidationError{"scaling.scale_up_max_rate", s.ScaleUpMaxRate, "must be at least 1.0"})
	}
	if s.ScaleUpMaxStep < 0 {
		errs = append(errs, ValidationError{"scaling.scale_up_max_step", s.ScaleUpMaxStep, "must be >= 0"})
	}
	if s.ScaleDownMaxStep < 1 {
		errs = append(errs, ValidationError{"scaling.scale_down_max_step", s.ScaleDownMaxStep, "must be at least 1"})
	}
	if s.MinReplicas < 0 {
		errs = append(errs, ValidationError{"scaling.min_replicas", s.MinReplicas, "must be >= 0"})
	}
	if s.MaxReplicas < 1 || s.MaxReplicas < s.MinReplicas {
		errs = append(errs, ValidationError{"scaling.max_replicas", s.MaxReplicas, "must be at least 1 and >= min_replicas"})
	}
	if s.MinReplicaChange < 0 {
		errs = append(errs, ValidationError{"scaling.min_replica_change", s.MinReplicaChange, "must be >= 0"})
	}
	if s.LatencyTarget <= 0 {
		errs = append(errs, ValidationError{"scaling.latency_target", s.LatencyTarget, "must be positive"})
	}
	if s.ErrorRateThreshold <= 0 || s.ErrorRateThreshold > 1 {
		errs = append(errs, ValidationError{"scaling.error_rate_threshold", s.ErrorRateThreshold, "must be in (0, 1]"})
	}
	if s.StalenessLimit < 1 {
		errs = append(errs, ValidationError{"scaling.staleness_limit", s.StalenessLimit, "must be at least 1"})
	}
	if s.StaleFloorReplicas < s.MinReplicas || s.StaleFloorReplicas > s.MaxReplicas {
		errs = append(errs, ValidationError{"scaling.stale_floor_replicas", s.StaleFloorReplicas, "must be within [min_replicas, max_replicas]"})
	}
	return errs
}

func (b BreakerConfig) validate(prefix string) []ValidationError {
	var errs []ValidationError
	if b.Window <= 0 {
		errs = append(errs, ValidationError{prefix + ".window", b.Window, "must be positive"})
	}
	if b.FailureRateThreshold <= 0 || b.FailureRateThreshold > 1 {
		errs = append(errs, ValidationError{prefix + ".failure_rate_threshold", b.FailureRateThreshold, "must be in (0, 1]"})
	}
	if b.MinimumCalls < 1 {
		errs = append(errs, ValidationError{prefix + ".minimum_calls", b.MinimumCalls, "must be at least 1"})
	}
	if b.CoolDown <= 0 {
		errs = append(errs, ValidationError{prefix + ".cool_down", b.CoolDown, "must be positive"})
	}
	if b.MaxCoolDown < b.CoolDown {
		errs = append(errs, ValidationError{prefix + ".max_cool_down", b.MaxCoolDown, "must be >= cool_down"})
	}
	if b.TrialTimeout <= 0 {
		errs = append(errs, ValidationError{prefix + ".trial_timeout", b.TrialTimeout, "must be positive"})
	}
	return errs
}

func (c *Config) validateProbe() []ValidationError {
	var errs []ValidationError
	if c.Probe.SuccessThreshold < 1 {
		errs = append(errs, ValidationError{"probe.success_threshold", c.Probe.SuccessThreshold, "must be at least 1"})
	}
	if c.Probe.FailureThreshold < 1 {
		errs = append(errs, ValidationError{"probe.failure_threshold", c.Probe.FailureThreshold, "must be at least 1"})
	}
	if c.Probe.LivenessFailureThreshold < 1 {
		errs = append(errs, ValidationError{"probe.liveness_failure_threshold", c.Probe.LivenessFailureThreshold, "must be at least 1"})
	}
	if c.Probe.StartupGracePeriod < 0 {
		errs = append(errs, ValidationError{"probe.startup_grace_period", c.Probe.StartupGracePeriod, "must be >= 0"})
	}
	return errs
}

func (c *Config) validateActuator() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidActuatorKinds(), c.Actuator.Kind) {
		errs = append(errs, ValidationError{"actuator.kind", c.Actuator.Kind,
			fmt.Sprintf("must be one of %v", ValidActuatorKinds())})
	}
	if c.Actuator.Kind == ActuatorKindKubernetes && c.Actuator.Deployment == "" {
		errs = append(errs, ValidationError{"actuator.deployment", c.Actuator.Deployment,
			"is required for the kubernetes actuator"})
	}
	return errs
}

func (c *Config) validateDiscovery() []ValidationError {
	if !c.Discovery.Enabled {
		return nil
	}
	var errs []ValidationError
	if c.Discovery.Selector == "" {
		errs = append(errs, ValidationError{"discovery.selector", c.Discovery.Selector, "is required when discovery is enabled"})
	} else if _, err := labels.Parse(c.Discovery.Selector); err != nil {
		errs = append(errs, ValidationError{"discovery.selector", c.Discovery.Selector, err.Error()})
	}
	if c.Discovery.Interval <= 0 {
		errs = append(errs, ValidationError{"discovery.interval", c.Discovery.Interval, "must be positive"})
	}
	return errs
}

func (c *Config) validatePrometheus() []ValidationError {
	if c.Prometheus.Address == "" {
		return nil
	}
	var errs []ValidationError
	if strings.TrimSpace(c.Prometheus.SaturationQuery) == "" {
		errs = append(errs, ValidationError{"prometheus.saturation_query", c.Prometheus.SaturationQuery, "is required when an address is set"})
	}
	if c.Prometheus.Interval <= 0 {
		errs = append(errs, ValidationError{"prometheus.interval", c.Prometheus.Interval, "must be positive"})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return []ValidationError{{"logging.level", c.Logging.Level, "must be one of debug, info, warn, error"}}
	}
	return nil
}
