package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LifecycleTracer creates spans around plugin lifecycle operations.
type LifecycleTracer struct {
	tracer trace.Tracer
}

// NewLifecycleTracer creates a LifecycleTracer. If tracer is nil, the global
// tracer provider is used.
func NewLifecycleTracer(tracer trace.Tracer) *LifecycleTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("nexus.plugin")
	}
	return &LifecycleTracer{tracer: tracer}
}

// Start begins a span named "plugin.<op>" for the given module id.
func (l *LifecycleTracer) Start(ctx context.Context, op, moduleID string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "plugin."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("plugin.id", moduleID),
			attribute.String("plugin.operation", op),
		),
	)
}

// End finishes span, recording err when non-nil.
func (l *LifecycleTracer) End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
