package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var (
	AttrRequestID  = attribute.Key("gatekeep.request.id")
	AttrSessionID  = attribute.Key("gatekeep.session.id")
	AttrIntent     = attribute.Key("gatekeep.intent")
	AttrDomain     = attribute.Key("gatekeep.domain")
	AttrStepID     = attribute.Key("gatekeep.step.id")
	AttrToolName   = attribute.Key("gatekeep.tool.name")
	AttrActionName = attribute.Key("gatekeep.tool.action")
	AttrStepStatus = attribute.Key("gatekeep.step.status")
	AttrApproved   = attribute.Key("gatekeep.approval.approved")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// Tracer returns t, or a no-op tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}
