// Package tracing records spans of reconcile runs and the waves they apply.
package tracing

import "context"

type Tracer interface {
	// StartSpan starts a span that is a child of the span carried by ctx, if any
	StartSpan(ctx context.Context, operationName string) (context.Context, Span)
}

type Span interface {
	SetBaggageItem(key string, value any)
	// SetError marks the span failed. A nil error is ignored.
	SetError(err error)
	Finish()
	// TraceID is empty when the tracer does not propagate traces
	TraceID() string
}
