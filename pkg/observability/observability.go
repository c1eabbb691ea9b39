// Copyright 2026 Memoryfab
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

// Package observability provides span tracing and metric recording for the
// memory engine. Store operations, enrichment jobs, and recalls open spans;
// counters (cache hits, recall downgrades, job outcomes) flow through
// RecordMetric. The default implementation is a no-op; wiring an exporter
// is the host process's concern.
package observability

import (
	"context"
	"time"
)

// Tracer instruments memory-engine operations.
//
// Thread-safe: all methods may be called concurrently.
type Tracer interface {
	// StartSpan creates a new span and returns a context carrying it.
	// The span links to its parent through context propagation.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span)

	// EndSpan completes a span and calculates its duration.
	// Call via defer after StartSpan.
	EndSpan(span *Span)

	// RecordMetric records a point-in-time metric value with labels,
	// e.g. query_cache.hits or enrichment.duration_ms.
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span is a unit of work with timing and metadata. Spans form a tree via
// ParentID references.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string

	Name       string
	Attributes map[string]interface{}

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Err error
}

// SetAttribute sets a key-value attribute on the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]interface{})
	}
	s.Attributes[key] = value
}

// RecordError marks the span as failed.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.Err = err
	s.SetAttribute("error.message", err.Error())
}

// SpanOption configures a span at creation time.
type SpanOption func(*Span)

// WithAttribute returns a SpanOption that sets an attribute.
func WithAttribute(key string, value interface{}) SpanOption {
	return func(s *Span) {
		s.SetAttribute(key, value)
	}
}

type contextKey string

const spanContextKey contextKey = "htm.span"

// SpanFromContext retrieves the current span from context, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanContextKey).(*Span); ok {
		return span
	}
	return nil
}

// ContextWithSpan returns a new context with the span attached.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey, span)
}
