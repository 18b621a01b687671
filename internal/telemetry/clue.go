package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// OTelTelemetry is the orchestrator's production Logger/Metrics/Tracer: one
// type backs all three so the orchestrator only ever wires a single
// telemetry value instead of three independently-constructed wrappers.
// Logging delegates to goa.design/clue/log (context-scoped, so it carries
// no state of its own); metrics and tracing hold the OTEL meter/tracer
// handles plus the bookkeeping RecordGauge needs.
type OTelTelemetry struct {
	meter  metric.Meter
	tracer trace.Tracer

	mu     sync.Mutex
	gauges map[string]*gaugeState
}

// gaugeState is the latest observed value for one gauge name, read back by
// its registered OTEL callback at collection time.
type gaugeState struct {
	mu    sync.Mutex
	value float64
	attrs []attribute.KeyValue
}

// NewOTelTelemetry constructs an OTelTelemetry scoped to instrumentationName
// (an OTEL instrumentation scope, conventionally the module path). Configure
// the global MeterProvider/TracerProvider (e.g. via
// clue.ConfigureOpenTelemetry or OTEL_EXPORTER_OTLP_ENDPOINT) before use.
func NewOTelTelemetry(instrumentationName string) *OTelTelemetry {
	return &OTelTelemetry{
		meter:  otel.Meter(instrumentationName),
		tracer: otel.Tracer(instrumentationName),
		gauges: make(map[string]*gaugeState),
	}
}

const instrumentationName = "github.com/csdnpoker/ed-agent-meta"

// NewClueLogger constructs a Logger view onto the orchestrator's telemetry.
func NewClueLogger() Logger { return NewOTelTelemetry(instrumentationName) }

// NewOTelMetrics constructs a Metrics view onto the orchestrator's telemetry.
func NewOTelMetrics() Metrics { return NewOTelTelemetry(instrumentationName) }

// NewOTelTracer constructs a Tracer view onto the orchestrator's telemetry.
func NewOTelTracer() Tracer { return NewOTelTelemetry(instrumentationName) }

// Debug emits a debug-level log message with structured key-value pairs.
func (*OTelTelemetry) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, logFields(msg, "", keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (*OTelTelemetry) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, logFields(msg, "", keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (*OTelTelemetry) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, logFields(msg, "warning", keyvals)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (*OTelTelemetry) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, logFields(msg, "", keyvals)...)
}

// logFields assembles the Clue fielder slice shared by every log level: the
// message, an optional severity override, then the caller's key-value
// pairs.
func logFields(msg, severity string, keyvals []any) []log.Fielder {
	fielders := make([]log.Fielder, 0, 2+len(keyvals)/2)
	fielders = append(fielders, log.KV{K: "msg", V: msg})
	if severity != "" {
		fielders = append(fielders, log.KV{K: "severity", V: severity})
	}
	kvPairs(keyvals, func(k string, v any) {
		fielders = append(fielders, log.KV{K: k, V: v})
	})
	return fielders
}

// IncCounter increments a counter metric by the given value.
func (t *OTelTelemetry) IncCounter(name string, value float64, tags ...string) {
	counter, err := t.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram/timer metric.
func (t *OTelTelemetry) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := t.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge metric value. OTEL has no synchronous gauge
// instrument; rather than fold the value into a histogram, this registers
// an asynchronous Float64ObservableGauge (once per distinct name) whose
// callback reads back the most recently recorded value, which is how OTEL
// itself models a point-in-time gauge.
func (t *OTelTelemetry) RecordGauge(name string, value float64, tags ...string) {
	g := t.gaugeFor(name)
	g.mu.Lock()
	g.value = value
	g.attrs = tagsToAttrs(tags)
	g.mu.Unlock()
}

func (t *OTelTelemetry) gaugeFor(name string) *gaugeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.gauges[name]; ok {
		return g
	}
	g := &gaugeState{}
	t.gauges[name] = g
	_, _ = t.meter.Float64ObservableGauge(name, metric.WithFloat64Callback(
		func(_ context.Context, o metric.Float64Observer) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			o.Observe(g.value, metric.WithAttributes(g.attrs...))
			return nil
		},
	))
	return g
}

// Start creates a new span with the given name, returning a new context and
// the span handle.
func (t *OTelTelemetry) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, otelSpan{span: span}
}

// Span retrieves the current span from the context.
func (t *OTelTelemetry) Span(ctx context.Context) Span {
	return otelSpan{span: trace.SpanFromContext(ctx)}
}

// otelSpan adapts a trace.Span to the Span interface. It is a value type
// (not a pointer) since it only ever forwards to the embedded span handle.
type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvSliceToAttrs(attrs)...))
}

func (s otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }

func (s otelSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

// kvPairs walks alternating key/value pairs (k1, v1, k2, v2, ...), calling
// add for each pair whose key is a string. A trailing unpaired key gets a
// nil value. Shared by every place that turns a keyvals/attrs variadic into
// a typed slice, whether Clue fielders or OTEL attributes.
func kvPairs(pairs []any, add func(key string, v any)) {
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(pairs) {
			v = pairs[i+1]
		}
		add(key, v)
	}
}

// tagsToAttrs converts tag strings (k1, v1, k2, v2, ...) into OTEL attributes
// for metrics dimensions.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

// kvSliceToAttrs converts variadic key-value pairs into OTEL attributes for
// span events, type-switching common value kinds.
func kvSliceToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	kvPairs(keyvals, func(k string, v any) {
		attrs = append(attrs, valueAttr(k, v))
	})
	return attrs
}

func valueAttr(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	case bool:
		return attribute.Bool(key, val)
	default:
		return attribute.String(key, "")
	}
}
