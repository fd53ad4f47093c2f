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

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-reliability-controller/api/v1alpha1"
	"github.com/llm-d/llm-d-reliability-controller/internal/breaker"
	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/probe"
)

const (
	RequestsPath        = "/v1/requests"
	SaturationPath      = "/v1/saturation"
	InstancesPath       = "/v1/instances"
	ProbesPath          = "/v1/probes"
	DependencyCallsPath = "/v1/dependency-calls"

	maxIngestBodyBytes = 1 << 20
)

// Ingestor is the part of the reconciler that accepts signals.
type Ingestor interface {
	ReportRequest(latency time.Duration, statusCode int, instanceID string) error
	ReportSaturation(instanceID string, ratio float64) error
	RegisterInstance(instanceID string) error
	DeregisterInstance(instanceID string) bool
	ReportProbe(instanceID string, kind probe.Kind, outcome probe.Outcome) error
	ReportDependencyCall(dependencyID string, outcome breaker.Outcome) error
}

func (s *Server) registerIngestion(mux *http.ServeMux) {
	mux.Handle(RequestsPath, ingest(func(r v1alpha1.RequestReport) error {
		if r.LatencySeconds < 0 {
			return fmt.Errorf("negative latency %v", r.LatencySeconds)
		}
		latency := time.Duration(r.LatencySeconds * float64(time.Second))
		return s.ingestor.ReportRequest(latency, r.StatusCode, r.InstanceID)
	}))
	mux.Handle(SaturationPath, ingest(func(r v1alpha1.SaturationReport) error {
		return s.ingestor.ReportSaturation(r.InstanceID, r.Ratio)
	}))
	mux.Handle(InstancesPath, ingest(func(r v1alpha1.InstanceReport) error {
		if r.Deregister {
			if !s.ingestor.DeregisterInstance(r.InstanceID) {
				return fmt.Errorf("%w: %s", probe.ErrUnknownInstance, r.InstanceID)
			}
			return nil
		}
		return s.ingestor.RegisterInstance(r.InstanceID)
	}))
	mux.Handle(ProbesPath, ingest(func(r v1alpha1.ProbeReport) error {
		kind, err := probe.ParseKind(r.Kind)
		if err != nil {
			return err
		}
		outcome, err := probe.ParseOutcome(r.Outcome)
		if err != nil {
			return err
		}
		return s.ingestor.ReportProbe(r.InstanceID, kind, outcome)
	}))
	mux.Handle(DependencyCallsPath, ingest(func(r v1alpha1.DependencyCallReport) error {
		outcome, err := breaker.ParseOutcome(r.Outcome)
		if err != nil {
			return err
		}
		return s.ingestor.ReportDependencyCall(r.DependencyID, outcome)
	}))
}

// ingest decodes a report or a batch of reports and applies each in order.
// Reports that fail validation are listed in the response; the rest are kept.
func ingest[T any](report func(T) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		reports, err := decodeReports[T](w, r)
		if err != nil {
			writeJSON(w, r, http.StatusBadRequest, v1alpha1.IngestResponse{Error: err.Error()})
			return
		}

		var resp v1alpha1.IngestResponse
		for i, rep := range reports {
			if err := report(rep); err != nil {
				resp.Rejected = append(resp.Rejected, v1alpha1.RejectedReport{Index: i, Error: err.Error()})
				continue
			}
			resp.Accepted++
		}
		if len(resp.Rejected) > 0 {
			ctrl.LoggerFrom(r.Context()).V(logging.DEBUG).Info("Rejected reports",
				"path", r.URL.Path, "accepted", resp.Accepted, "rejected", len(resp.Rejected))
		}

		code := http.StatusAccepted
		if resp.Accepted == 0 && len(resp.Rejected) > 0 {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, r, code, resp)
	})
}

func decodeReports[T any](w http.ResponseWriter, r *http.Request) ([]T, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if body[0] == '[' {
		var batch []T
		if err := dec.Decode(&batch); err != nil {
			return nil, fmt.Errorf("decoding batch: %w", err)
		}
		return batch, nil
	}
	var one T
	if err := dec.Decode(&one); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return []T{one}, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctrl.LoggerFrom(r.Context()).Error(err, "Failed to encode response")
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
