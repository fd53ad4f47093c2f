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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-reliability-controller/internal/actuator"
	"github.com/llm-d/llm-d-reliability-controller/internal/collector"
	"github.com/llm-d/llm-d-reliability-controller/internal/config"
	"github.com/llm-d/llm-d-reliability-controller/internal/controller"
	"github.com/llm-d/llm-d-reliability-controller/internal/discovery"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/metrics"
	"github.com/llm-d/llm-d-reliability-controller/internal/server"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var (
		configFile       string
		overridesRefresh time.Duration
	)
	pflag.StringVar(&configFile, "config", "", "Path to the configuration file (YAML). Environment variables prefixed with "+config.EnvPrefix+"_ override it.")
	pflag.DurationVar(&overridesRefresh, "breaker-overrides-refresh", time.Minute, "How often the breaker overrides ConfigMap is re-read.")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	v := viper.New()
	config.SetDefaults(v)
	if err := config.ReadFile(v, configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if _, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLog.Info("Starting reliability controller",
		"version", metrics.Version,
		"revision", metrics.Revision,
		"evaluationPeriod", cfg.Loop.EvaluationPeriod,
		"actuator", cfg.Actuator.Kind)

	ctx := ctrl.SetupSignalHandler()
	if err := run(ctx, cfg, overridesRefresh); err != nil {
		setupLog.Error(err, "Controller exited with error")
		os.Exit(1)
	}
	setupLog.Info("Controller stopped")
}

func run(ctx context.Context, cfg *config.Config, overridesRefresh time.Duration) error {
	clk := clock.RealClock{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				setupLog.Error(err, "Failed to flush traces")
			}
		}()
	}

	var (
		restCfg   *rest.Config
		clientset kubernetes.Interface
	)
	if needsKubernetes(cfg) {
		var err error
		restCfg, err = ctrl.GetConfig()
		if err != nil {
			return fmt.Errorf("loading kubeconfig: %w", err)
		}
		clientset, err = kubernetes.NewForConfig(restCfg)
		if err != nil {
			return fmt.Errorf("creating clientset: %w", err)
		}
	}

	// The metrics actuator reports the ready instance count as effective,
	// which needs the reconciler's supervisor.
	var rec *controller.Reconciler
	act, err := newActuator(cfg, m, clientset, func(context.Context) (int, error) {
		return rec.Supervisor().EligibleCount(), nil
	})
	if err != nil {
		return err
	}

	var overrides config.BreakerOverrides
	if ref := cfg.Breaker.OverridesConfigMap; ref != "" {
		overrides, err = config.LoadBreakerOverrides(ctx, clientset, ref, cfg.Actuator.Namespace)
		if err != nil {
			// Start with the static policy; the refresher retries.
			setupLog.Error(err, "Failed to load breaker overrides, using static breaker policy")
		}
	}

	rec, err = controller.NewReconciler(cfg, controller.Options{
		Actuator:         act,
		Clock:            clk,
		Metrics:          m,
		BreakerOverrides: overrides,
		TracerProvider:   otel.GetTracerProvider(),
		Namespace:        cfg.Actuator.Namespace,
		Target:           cfg.Actuator.Deployment,
	})
	if err != nil {
		return fmt.Errorf("creating reconciler: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Prometheus.Address != "" {
		src, err := collector.NewPrometheusSource(cfg.Prometheus.Address, cfg.Prometheus.SaturationQuery, cfg.Prometheus.Interval, clk)
		if err != nil {
			return fmt.Errorf("creating prometheus source: %w", err)
		}
		c := collector.NewCollector(rec.Aggregator(), clk, src)
		g.Go(func() error { return c.Run(ctx) })
	}

	var disc *discovery.Discoverer
	if cfg.Discovery.Enabled {
		c, err := client.New(restCfg, client.Options{Scheme: scheme})
		if err != nil {
			return fmt.Errorf("creating discovery client: %w", err)
		}
		disc, err = discovery.NewDiscoverer(c, rec.Supervisor(), cfg.Discovery.Namespace, cfg.Discovery.Selector, clk)
		if err != nil {
			return fmt.Errorf("creating discoverer: %w", err)
		}
		g.Go(func() error { return disc.Run(ctx, cfg.Discovery.Interval) })
	}

	g.Go(func() error {
		return rec.RunFailedInstanceHandler(ctx, func(ctx context.Context, id string) error {
			if disc == nil {
				ctrl.LoggerFrom(ctx).Info("Instance failed, no discovery configured to replace it", "instance", id)
				return nil
			}
			_, err := disc.Evict(ctx, id)
			return err
		})
	})

	if ref := cfg.Breaker.OverridesConfigMap; ref != "" {
		g.Go(func() error {
			return rec.RunOverridesRefresher(ctx, overridesRefresh, func(ctx context.Context) (config.BreakerOverrides, error) {
				return config.LoadBreakerOverrides(ctx, clientset, ref, cfg.Actuator.Namespace)
			})
		})
	}

	srv := server.New(cfg.Loop.StatusAddress, rec, rec, reg)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return rec.Run(ctx) })

	return g.Wait()
}

func needsKubernetes(cfg *config.Config) bool {
	return cfg.Actuator.Kind == config.ActuatorKindKubernetes ||
		cfg.Discovery.Enabled ||
		cfg.Breaker.OverridesConfigMap != ""
}

func newActuator(cfg *config.Config, m *metrics.Metrics, clientset kubernetes.Interface, effective actuator.EffectiveReplicasFunc) (actuator.Actuator, error) {
	switch cfg.Actuator.Kind {
	case config.ActuatorKindKubernetes:
		a, err := actuator.NewDeploymentActuator(clientset, cfg.Actuator.Namespace, cfg.Actuator.Deployment)
		if err != nil {
			return nil, fmt.Errorf("creating deployment actuator: %w", err)
		}
		return a, nil
	default:
		a, err := actuator.NewMetricsActuator(m, cfg.Actuator.Namespace, cfg.Actuator.Deployment, effective)
		if err != nil {
			return nil, fmt.Errorf("creating metrics actuator: %w", err)
		}
		return a, nil
	}
}

// setupTracing installs a tracer provider that writes spans to stdout.
func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
