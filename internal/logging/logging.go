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

// Package logging configures the process-wide logr logger and defines the
// verbosity levels used with logger.V().
package logging

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels for logger.V().
const (
	INFO  = 0
	DEBUG = 1
	TRACE = 2
)

// NewLogger builds a zap-backed logr.Logger for the given level name
// ("debug", "info", "warn", "error") and installs it as the controller-runtime
// global logger. Development mode uses the console encoder, otherwise JSON.
func NewLogger(level string, development bool) (logr.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Discard(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := zap.Options{
		Development: development,
		Level:       lvl,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	logger := zap.New(zap.UseFlagOptions(&opts))
	ctrl.SetLogger(logger)
	return logger, nil
}

// NewTestLogger installs a development logger writing to stderr at trace
// verbosity. Used by test suites.
func NewTestLogger() logr.Logger {
	logger := zap.New(
		zap.UseDevMode(true),
		zap.WriteTo(os.Stderr),
		zap.Level(zapcore.Level(-TRACE)),
	)
	ctrl.SetLogger(logger)
	return logger
}
