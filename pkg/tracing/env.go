// Copyright 2025 The Sigstore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !otel

// Default build: integrity-monitor records its check, watch, sign and verify
// spans against the noop tracer. Build with -tags=otel to export them over
// OTLP/HTTP (see env_otel.go).

package tracing

import "context"

// InitFromEnv leaves the noop tracer in place. The OTEL_* variables are
// ignored in this build.
func InitFromEnv() error {
	return nil
}

// Shutdown has no exporter to flush in this build.
func Shutdown(context.Context) error {
	return nil
}
