package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// discard implements Logger, Metrics, Tracer, and Span by dropping
// everything it is given. None of the four interfaces need any state to
// keep separate, so a single stateless type backs all of them rather than
// one zero-size struct per concern.
type discard struct{}

// NewNoopLogger returns a Logger that discards everything. Useful as a
// default when the caller does not configure telemetry.
func NewNoopLogger() Logger { return discard{} }

// NewNoopMetrics returns a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return discard{} }

// NewNoopTracer returns a Tracer that produces no spans.
func NewNoopTracer() Tracer { return discard{} }

func (discard) Debug(context.Context, string, ...any) {}
func (discard) Info(context.Context, string, ...any)  {}
func (discard) Warn(context.Context, string, ...any)  {}
func (discard) Error(context.Context, string, ...any) {}

func (discard) IncCounter(string, float64, ...string)        {}
func (discard) RecordTimer(string, time.Duration, ...string) {}
func (discard) RecordGauge(string, float64, ...string)       {}

func (discard) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, discard{}
}

func (discard) Span(ctx context.Context) Span { return discard{} }

func (discard) End(...trace.SpanEndOption)              {}
func (discard) AddEvent(string, ...any)                 {}
func (discard) SetStatus(codes.Code, string)            {}
func (discard) RecordError(error, ...trace.EventOption) {}
