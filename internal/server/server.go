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

// Package server exposes the HTTP surface of the controller: the status
// document, Prometheus metrics, health endpoints and the ingestion endpoints
// through which instances report requests, probes and dependency calls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/llm-d/llm-d-reliability-controller/api/v1alpha1"
)

const (
	StatusPath  = "/status"
	MetricsPath = "/metrics"
	HealthPath  = "/healthz"
	ReadyPath   = "/readyz"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// StatusProvider is the part of the reconciler the server reads.
type StatusProvider interface {
	Status() v1alpha1.ReliabilityStatus
	Ready(ctx context.Context) bool
}

var errNotReady = errors.New("no evaluation cycle completed yet")

// Server serves the status and ingestion endpoints.
type Server struct {
	addr     string
	provider StatusProvider
	ingestor Ingestor
	gatherer prometheus.Gatherer
	handler  http.Handler
}

// New builds a Server listening on addr. When ingestor is nil the ingestion
// endpoints are not served; when gatherer is nil /metrics is not served.
func New(addr string, provider StatusProvider, ingestor Ingestor, gatherer prometheus.Gatherer) *Server {
	s := &Server{addr: addr, provider: provider, ingestor: ingestor, gatherer: gatherer}

	mux := http.NewServeMux()
	mux.HandleFunc(StatusPath, s.handleStatus)
	if ingestor != nil {
		s.registerIngestion(mux)
	}
	if gatherer != nil {
		mux.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	live := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	ready := &healthz.Handler{Checks: map[string]healthz.Checker{"loop": s.readyCheck}}
	mux.Handle(HealthPath, http.StripPrefix(HealthPath, live))
	mux.Handle(HealthPath+"/", http.StripPrefix(HealthPath, live))
	mux.Handle(ReadyPath, http.StripPrefix(ReadyPath, ready))
	mux.Handle(ReadyPath+"/", http.StripPrefix(ReadyPath, ready))
	s.handler = mux
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx).WithValues("address", s.addr)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Stopping HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	body, err := json.Marshal(s.provider.Status())
	if err != nil {
		ctrl.LoggerFrom(r.Context()).Error(err, "Failed to encode status")
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) readyCheck(req *http.Request) error {
	if !s.provider.Ready(req.Context()) {
		return errNotReady
	}
	return nil
}
