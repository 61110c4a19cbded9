package tracing

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestLoggingTracer(t *testing.T) {
	var lines []string
	log := funcr.New(func(_, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: 1})
	tracer := NewLoggingTracer(log)

	ctx, run := tracer.StartSpan(context.Background(), "reconcile")
	run.SetBaggageItem("unit", "web")
	_, wave := tracer.StartSpan(ctx, "syncWave")
	wave.SetError(fmt.Errorf("apply rejected"))
	wave.Finish()
	run.Finish()

	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"operation"="syncWave"`)
	assert.Contains(t, lines[0], `"parent"="reconcile"`)
	assert.Contains(t, lines[0], `"error"="apply rejected"`)
	assert.Contains(t, lines[1], `"unit"="web"`)
	assert.NotContains(t, lines[1], "parent")
}

func TestNopTracer(t *testing.T) {
	ctx := context.Background()
	spanCtx, span := NopTracer{}.StartSpan(ctx, "op")
	span.SetBaggageItem("k", "v")
	span.SetError(fmt.Errorf("ignored"))
	span.Finish()
	assert.Equal(t, ctx, spanCtx)
	assert.Empty(t, span.TraceID())
}

func TestOpenTelemetryTracer_PropagatesTrace(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	tracer := NewOpenTelemetryTracer(trace.NewNoopTracerProvider().Tracer("test"))

	_, span := tracer.StartSpan(parent, "reconcile")
	span.SetBaggageItem("attempt", 2)
	span.SetError(fmt.Errorf("failed"))
	span.Finish()

	assert.Equal(t, traceID.String(), span.TraceID())

	_, root := tracer.StartSpan(context.Background(), "reconcile")
	assert.Empty(t, root.TraceID())
}

func TestOpenTelemetryTracer_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := NewOpenTelemetryTracer(tp.Tracer("test"))

	ctx, run := tracer.StartSpan(context.Background(), "reconcile")
	run.SetBaggageItem("unit", "web")
	run.SetBaggageItem("attempt", 2)
	_, wave := tracer.StartSpan(ctx, "syncWave")
	wave.SetError(fmt.Errorf("apply rejected"))
	wave.Finish()
	run.Finish()

	require.NotEmpty(t, run.TraceID())
	assert.Equal(t, run.TraceID(), wave.TraceID())
	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "syncWave", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "reconcile", spans[1].Name())
	assert.Contains(t, spans[1].Attributes(), attribute.String("unit", "web"))
	assert.Contains(t, spans[1].Attributes(), attribute.Int("attempt", 2))
}
