package tracing

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

var (
	_ Tracer = LoggingTracer{}
	_ Span   = &loggingSpan{}
)

type parentKey struct{}

// LoggingTracer logs the duration of every finished span, along with the operation of its parent
type LoggingTracer struct {
	log logr.Logger
}

func NewLoggingTracer(log logr.Logger) *LoggingTracer {
	return &LoggingTracer{log: log}
}

func (l LoggingTracer) StartSpan(ctx context.Context, operationName string) (context.Context, Span) {
	parent, _ := ctx.Value(parentKey{}).(string)
	span := &loggingSpan{
		log:       l.log,
		operation: operationName,
		parent:    parent,
		start:     time.Now(),
	}
	return context.WithValue(ctx, parentKey{}, operationName), span
}

type loggingSpan struct {
	log       logr.Logger
	operation string
	parent    string
	values    []any
	err       error
	start     time.Time
}

func (s *loggingSpan) SetBaggageItem(key string, value any) {
	s.values = append(s.values, key, value)
}

func (s *loggingSpan) SetError(err error) {
	if err != nil {
		s.err = err
	}
}

func (s *loggingSpan) Finish() {
	log := s.log.WithValues(s.values...).WithValues("operation", s.operation, "duration", time.Since(s.start))
	if s.parent != "" {
		log = log.WithValues("parent", s.parent)
	}
	if s.err != nil {
		log = log.WithValues("error", s.err.Error())
	}
	log.V(1).Info("Span finished")
}

func (s *loggingSpan) TraceID() string {
	return ""
}
