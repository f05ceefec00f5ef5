package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer of every handovermail span.
const TracerName = "github.com/teemow/handovermail"

// Span attribute keys.
const (
	SpanAttrService   = "google.service"
	SpanAttrOperation = "google.operation"
	SpanAttrTarget    = "dispatch.target"
	SpanAttrRunID     = "dispatch.run_id"
	SpanAttrRow       = "dispatch.row"
	SpanAttrMode      = "dispatch.mode"
	SpanAttrTag       = "dispatch.tag"
)

// Google API operations, used as the operation label and span suffix.
const (
	OperationSearch      = "search"
	OperationGet         = "get"
	OperationSend        = "send"
	OperationExport      = "export"
	OperationGetMetadata = "get_metadata"
	OperationGetValues   = "get_values"
	OperationAppend      = "append"
	OperationBatchUpdate = "batch_update"
)

// tracer resolves the global provider on every call so spans follow
// whichever provider is installed last.
func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// StartSpan starts an internal span. End it with EndSpan or span.End.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the dispatch.run span of one run.
func StartRunSpan(ctx context.Context, target, runID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String(SpanAttrTarget, target)}
	if runID != "" {
		attrs = append(attrs, attribute.String(SpanAttrRunID, runID))
	}
	return StartSpan(ctx, "dispatch.run", attrs...)
}

// StartRecordSpan starts the dispatch.record span of the record at a sheet row.
func StartRecordSpan(ctx context.Context, target string, row int) (context.Context, trace.Span) {
	return StartSpan(ctx, "dispatch.record",
		attribute.String(SpanAttrTarget, target),
		attribute.Int(SpanAttrRow, row))
}

// StartGoogleAPISpan starts the client span google.<service>.<operation>.
func StartGoogleAPISpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String(SpanAttrService, service),
		attribute.String(SpanAttrOperation, operation),
	}, attrs...)
	return tracer().Start(ctx, "google."+service+"."+operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient))
}

// EndSpan marks the span failed with err, or ok when err is nil, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
