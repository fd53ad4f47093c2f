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

// Package config holds the static configuration of the reliability
// controller. Values come from defaults, an optional YAML file and
// RELIABILITY_* environment variables, in increasing order of precedence.
// Configuration is read once at startup and never changes afterwards.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// RELIABILITY_SCALING_HIGH_WATERMARK=0.9.
const EnvPrefix = "RELIABILITY"

// Actuator kinds.
const (
	ActuatorKindMetrics    = "metrics"
	ActuatorKindKubernetes = "kubernetes"
)

// Config is the root configuration.
type Config struct {
	Loop       LoopConfig       `mapstructure:"loop"`
	Window     WindowConfig     `mapstructure:"window"`
	Scaling    ScalingConfig    `mapstructure:"scaling"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Actuator   ActuatorConfig   `mapstructure:"actuator"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// LoopConfig controls the evaluation cadence and actuation handling.
type LoopConfig struct {
	// EvaluationPeriod is the fixed interval between evaluation cycles.
	EvaluationPeriod time.Duration `mapstructure:"evaluation_period"`
	// ApplyTimeout bounds a single Actuator.Apply call. A timeout counts as a
	// failed actuation for the cycle.
	ApplyTimeout time.Duration `mapstructure:"apply_timeout"`
	// ActuationRetryBudget is the number of consecutive failed actuations
	// tolerated before the degraded-actuation condition is raised.
	ActuationRetryBudget int `mapstructure:"actuation_retry_budget"`
	// StatusAddress is the listen address of the status/metrics server.
	StatusAddress string `mapstructure:"status_address"`
}

// WindowConfig controls the sliding windows of the signal aggregator.
type WindowConfig struct {
	Duration   time.Duration `mapstructure:"duration"`
	MaxSamples int           `mapstructure:"max_samples"`
}

// ScalingConfig holds the scaling policy.
type ScalingConfig struct {
	HighWatermark float64 `mapstructure:"high_watermark"`
	LowWatermark  float64 `mapstructure:"low_watermark"`

	// ScaleUpCycles and ScaleDownCycles are the numbers of consecutive cycles
	// the load score must stay beyond a watermark before acting.
	ScaleUpCycles   int `mapstructure:"scale_up_cycles"`
	ScaleDownCycles int `mapstructure:"scale_down_cycles"`

	// ScaleUpMaxRate caps growth per cycle as a multiple of the effective
	// replicas (2.0 = at most doubling, 1.0 = no growth once a replica runs).
	ScaleUpMaxRate float64 `mapstructure:"scale_up_max_rate"`
	// ScaleUpMaxStep additionally caps growth in absolute replicas; 0 disables it.
	ScaleUpMaxStep   int `mapstructure:"scale_up_max_step"`
	ScaleDownMaxStep int `mapstructure:"scale_down_max_step"`

	MinReplicas int `mapstructure:"min_replicas"`
	MaxReplicas int `mapstructure:"max_replicas"`

	// MinReplicaChange is the dead band: a proposal is emitted only when it
	// differs from the effective replicas by more than this many replicas.
	MinReplicaChange int `mapstructure:"min_replica_change"`

	LatencyTarget      time.Duration `mapstructure:"latency_target"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`

	// StalenessLimit is the number of consecutive cycles with a missing
	// required signal after which the engine falls back to StaleFloorReplicas.
	StalenessLimit     int `mapstructure:"staleness_limit"`
	StaleFloorReplicas int `mapstructure:"stale_floor_replicas"`
}

// BreakerConfig is the default circuit breaker policy. Per-dependency
// overrides are layered on top, see BreakerOverrides.
type BreakerConfig struct {
	Window               time.Duration `mapstructure:"window" yaml:"window,omitempty"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold" yaml:"failureRateThreshold,omitempty"`
	MinimumCalls         int           `mapstructure:"minimum_calls" yaml:"minimumCalls,omitempty"`
	CoolDown             time.Duration `mapstructure:"cool_down" yaml:"coolDown,omitempty"`
	MaxCoolDown          time.Duration `mapstructure:"max_cool_down" yaml:"maxCoolDown,omitempty"`
	// TrialTimeout releases a half-open trial whose outcome was never reported.
	TrialTimeout time.Duration `mapstructure:"trial_timeout" yaml:"trialTimeout,omitempty"`

	// OverridesConfigMap names a ConfigMap ("namespace/name") holding
	// per-dependency overrides. Empty disables it.
	OverridesConfigMap string `mapstructure:"overrides_configmap" yaml:"-"`
}

// ProbeConfig holds health probe thresholds.
type ProbeConfig struct {
	// SuccessThreshold (N) consecutive readiness passes make an instance ready.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// FailureThreshold (M) consecutive readiness failures make it unready.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// LivenessFailureThreshold (K) consecutive liveness failures make it failed.
	LivenessFailureThreshold int           `mapstructure:"liveness_failure_threshold"`
	StartupGracePeriod       time.Duration `mapstructure:"startup_grace_period"`
}

// ActuatorConfig selects and configures the actuator.
type ActuatorConfig struct {
	Kind       string `mapstructure:"kind"`
	Namespace  string `mapstructure:"namespace"`
	Deployment string `mapstructure:"deployment"`
}

// DefaultSaturationQuery is the CPU usage of each pod as a fraction of its
// CPU limit, capped at 1. Pods without a limit produce no series.
const DefaultSaturationQuery = `clamp_max(` +
	`sum by (pod) (rate(container_cpu_usage_seconds_total{container!=""}[1m]))` +
	` / ` +
	`sum by (pod) (kube_pod_container_resource_limits{resource="cpu"})` +
	`, 1)`

// PrometheusConfig configures the optional saturation source.
type PrometheusConfig struct {
	// Address of the Prometheus API. Empty disables the source.
	Address string `mapstructure:"address"`
	// SaturationQuery must return a utilization ratio in [0, 1] per series.
	SaturationQuery string        `mapstructure:"saturation_query"`
	Interval        time.Duration `mapstructure:"interval"`
}

// DiscoveryConfig configures pod-based instance discovery.
type DiscoveryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Namespace string        `mapstructure:"namespace"`
	Selector  string        `mapstructure:"selector"`
	Interval  time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns a Config with the default policy.
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			EvaluationPeriod:     15 * time.Second,
			ApplyTimeout:         5 * time.Second,
			ActuationRetryBudget: 3,
			StatusAddress:        ":8080",
		},
		Window: WindowConfig{
			Duration:   60 * time.Second,
			MaxSamples: 50000,
		},
		Scaling: ScalingConfig{
			HighWatermark:      0.8,
			LowWatermark:       0.3,
			ScaleUpCycles:      2,
			ScaleDownCycles:    5,
			ScaleUpMaxRate:     2.0,
			ScaleUpMaxStep:     0,
			ScaleDownMaxStep:   2,
			MinReplicas:        1,
			MaxReplicas:        50,
			MinReplicaChange:   0,
			LatencyTarget:      250 * time.Millisecond,
			ErrorRateThreshold: 0.05,
			StalenessLimit:     4,
			StaleFloorReplicas: 2,
		},
		Breaker: BreakerConfig{
			Window:               30 * time.Second,
			FailureRateThreshold: 0.5,
			MinimumCalls:         10,
			CoolDown:             5 * time.Second,
			MaxCoolDown:          2 * time.Minute,
			TrialTimeout:         10 * time.Second,
		},
		Probe: ProbeConfig{
			SuccessThreshold:         1,
			FailureThreshold:         3,
			LivenessFailureThreshold: 3,
			StartupGracePeriod:       10 * time.Second,
		},
		Actuator: ActuatorConfig{
			Kind: ActuatorKindMetrics,
		},
		Prometheus: PrometheusConfig{
			SaturationQuery: DefaultSaturationQuery,
			Interval:        15 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every key with its default value on v and enables
// environment overrides. Keys must be registered for AutomaticEnv to apply
// to Unmarshal.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("loop.evaluation_period", defaults.Loop.EvaluationPeriod)
	v.SetDefault("loop.apply_timeout", defaults.Loop.ApplyTimeout)
	v.SetDefault("loop.actuation_retry_budget", defaults.Loop.ActuationRetryBudget)
	v.SetDefault("loop.status_address", defaults.Loop.StatusAddress)

	v.SetDefault("window.duration", defaults.Window.Duration)
	v.SetDefault("window.max_samples", defaults.Window.MaxSamples)

	v.SetDefault("scaling.high_watermark", defaults.Scaling.HighWatermark)
	v.SetDefault("scaling.low_watermark", defaults.Scaling.LowWatermark)
	v.SetDefault("scaling.scale_up_cycles", defaults.Scaling.ScaleUpCycles)
	v.SetDefault("scaling.scale_down_cycles", defaults.Scaling.ScaleDownCycles)
	v.SetDefault("scaling.scale_up_max_rate", defaults.Scaling.ScaleUpMaxRate)
	v.SetDefault("scaling.scale_up_max_step", defaults.Scaling.ScaleUpMaxStep)
	v.SetDefault("scaling.scale_down_max_step", defaults.Scaling.ScaleDownMaxStep)
	v.SetDefault("scaling.min_replicas", defaults.Scaling.MinReplicas)
	v.SetDefault("scaling.max_replicas", defaults.Scaling.MaxReplicas)
	v.SetDefault("scaling.min_replica_change", defaults.Scaling.MinReplicaChange)
	v.SetDefault("scaling.latency_target", defaults.Scaling.LatencyTarget)
	v.SetDefault("scaling.error_rate_threshold", defaults.Scaling.ErrorRateThreshold)
	v.SetDefault("scaling.staleness_limit", defaults.Scaling.StalenessLimit)
	v.SetDefault("scaling.stale_floor_replicas", defaults.Scaling.StaleFloorReplicas)

	v.SetDefault("breaker.window", defaults.Breaker.Window)
	v.SetDefault("breaker.failure_rate_threshold", defaults.Breaker.FailureRateThreshold)
	v.SetDefault("breaker.minimum_calls", defaults.Breaker.MinimumCalls)
	v.SetDefault("breaker.cool_down", defaults.Breaker.CoolDown)
	v.SetDefault("breaker.max_cool_down", defaults.Breaker.MaxCoolDown)
	v.SetDefault("breaker.trial_timeout", defaults.Breaker.TrialTimeout)
	v.SetDefault("breaker.overrides_configmap", defaults.Breaker.OverridesConfigMap)

	v.SetDefault("probe.success_threshold", defaults.Probe.SuccessThreshold)
	v.SetDefault("probe.failure_threshold", defaults.Probe.FailureThreshold)
	v.SetDefault("probe.liveness_failure_threshold", defaults.Probe.LivenessFailureThreshold)
	v.SetDefault("probe.startup_grace_period", defaults.Probe.StartupGracePeriod)

	v.SetDefault("actuator.kind", defaults.Actuator.Kind)
	v.SetDefault("actuator.namespace", defaults.Actuator.Namespace)
	v.SetDefault("actuator.deployment", defaults.Actuator.Deployment)

	v.SetDefault("prometheus.address", defaults.Prometheus.Address)
	v.SetDefault("prometheus.saturation_query", defaults.Prometheus.SaturationQuery)
	v.SetDefault("prometheus.interval", defaults.Prometheus.Interval)

	v.SetDefault("discovery.enabled", defaults.Discovery.Enabled)
	v.SetDefault("discovery.namespace", defaults.Discovery.Namespace)
	v.SetDefault("discovery.selector", defaults.Discovery.Selector)
	v.SetDefault("discovery.interval", defaults.Discovery.Interval)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.development", defaults.Logging.Development)

	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return &cfg, nil
}

// ReadFile loads path into v. A missing path is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}
