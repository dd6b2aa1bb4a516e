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

// Package tracing wraps span creation for the check and watch loops. The
// default build uses a no-op tracer; building with -tags=otel and setting the
// usual OTEL_* variables exports spans over OTLP/HTTP.
//
// Spans carry fim.* attributes (run id, path, kind) so a slow or failing
// path can be found in the trace backend.
package tracing

import (
	"context"
	"sync"
)

const (
	// ServiceName is reported when OTEL_SERVICE_NAME is unset.
	ServiceName = "integrity-monitor"
	// InstrumentationName names the tracer that creates every span.
	InstrumentationName = "github.com/sigstore/integrity-monitor"
)

// Span represents a single operation in a trace.
type Span interface {
	// SetAttribute sets a key-value attribute on the span.
	SetAttribute(key string, value interface{})
	// RecordError marks the span as failed with err.
	RecordError(err error)
	// End marks the span as finished.
	End()
}

// Tracer creates spans for named operations.
type Tracer interface {
	// Start starts a new span with the given name. The returned context
	// should be used for downstream calls; the span must be ended with End().
	Start(ctx context.Context, name string) (context.Context, Span)
}

var (
	tracerMu     sync.RWMutex
	globalTracer Tracer = NoopTracer{}
)

// SetTracer sets the global tracer. A nil tracer restores the no-op tracer.
func SetTracer(t Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	if t == nil {
		globalTracer = NoopTracer{}
		return
	}
	globalTracer = t
}

// GetTracer returns the current global tracer (never nil).
func GetTracer() Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	return globalTracer
}

// Start starts a new span with the given name using the global tracer.
func Start(ctx context.Context, name string) (context.Context, Span) {
	return GetTracer().Start(ctx, name)
}

// Enabled returns true when a real (non-noop) tracer is configured.
func Enabled() bool {
	_, noop := GetTracer().(NoopTracer)
	return !noop
}

// Run runs fn inside a span named name carrying attrs. An error returned by
// fn is recorded on the span and returned unchanged. With the no-op tracer fn
// is called directly.
func Run(ctx context.Context, name string, attrs map[string]interface{}, fn func(context.Context) error) error {
	tracer := GetTracer()
	if _, noop := tracer.(NoopTracer); noop {
		return fn(ctx)
	}
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	for k, v := range attrs {
		span.SetAttribute(k, v)
	}
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
