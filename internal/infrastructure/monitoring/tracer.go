package monitoring

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Tracer wraps an OpenTelemetry tracer for the step loop's spans. With no
// exporter configured the global TracerProvider defaults to a no-op one, so
// StartSpan/EndSpan are always safe to call — wiring a real exporter (OTLP,
// stdout, ...) later is a matter of calling otel.SetTracerProvider before
// NewTracer runs, nothing here needs to change.
type Tracer struct {
	tracer trace.Tracer
	logger *zap.Logger
}

// NewTracer creates a tracer for the given service/component name.
func NewTracer(service string, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{
		tracer: otel.Tracer(service),
		logger: logger.With(zap.String("component", "tracer")),
	}
}

// StartSpan starts a span as a child of any span already in ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) on span and ends it.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
