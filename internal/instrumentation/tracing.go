package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the default tracer name for inboxflow.
const TracerName = "github.com/teemow/inboxflow"

// Span attribute keys.
const (
	SpanAttrPipeline    = "pipeline.id"
	SpanAttrMessageID   = "pipeline.message_id"
	SpanAttrExecutionID = "pipeline.execution_id"
	SpanAttrStage       = "pipeline.stage"
	SpanAttrAttempt     = "pipeline.attempt"
	SpanAttrService     = "external.service"
	SpanAttrOperation   = "external.operation"
)

// StartSpan starts a new span with the given name and attributes.
// The caller ends it with defer span.End().
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartMessageSpan starts the root span for one message of one pipeline run.
func StartMessageSpan(ctx context.Context, pipelineID, messageID, executionID string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "pipeline.message",
		trace.WithAttributes(
			attribute.String(SpanAttrPipeline, pipelineID),
			attribute.String(SpanAttrMessageID, messageID),
			attribute.String(SpanAttrExecutionID, executionID),
		),
	)
}

// StartStageSpan starts a span for one attempt of a stage.
func StartStageSpan(ctx context.Context, stage string, attempt int) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "pipeline.stage."+stage,
		trace.WithAttributes(
			attribute.String(SpanAttrStage, stage),
			attribute.Int(SpanAttrAttempt, attempt),
		),
	)
}

// StartAPISpan starts a client span for a call to an external service.
func StartAPISpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	allAttrs = append(allAttrs,
		attribute.String(SpanAttrService, service),
		attribute.String(SpanAttrOperation, operation),
	)
	allAttrs = append(allAttrs, attrs...)

	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, service+"."+operation,
		trace.WithAttributes(allAttrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanSuccess(span)
	}
	span.End()
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from the current span in context,
// or "" when there is none.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
