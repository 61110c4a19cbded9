package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenTelemetryTracer exports spans through an OpenTelemetry tracer, e.g. otel.Tracer(name)
type OpenTelemetryTracer struct {
	tracer trace.Tracer
}

func NewOpenTelemetryTracer(t trace.Tracer) Tracer {
	return &OpenTelemetryTracer{tracer: t}
}

func (t *OpenTelemetryTracer) StartSpan(ctx context.Context, operationName string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, operationName)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) SetBaggageItem(key string, value any) {
	var kv attribute.KeyValue
	switch v := value.(type) {
	case string:
		kv = attribute.String(key, v)
	case int:
		kv = attribute.Int(key, v)
	case int64:
		kv = attribute.Int64(key, v)
	case bool:
		kv = attribute.Bool(key, v)
	default:
		kv = attribute.String(key, fmt.Sprintf("%v", v))
	}
	s.span.SetAttributes(kv)
}

func (s otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) Finish() {
	s.span.End()
}

func (s otelSpan) TraceID() string {
	sc := s.span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
