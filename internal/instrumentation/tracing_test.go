package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRunAndRecordSpans(t *testing.T) {
	recorder := recordSpans(t)

	ctx, run := StartRunSpan(context.Background(), "north", "run-1")
	if TraceID(ctx) == "" {
		t.Fatal("expected a trace id inside the run span")
	}
	_, rec := StartRecordSpan(ctx, "north", 7)
	EndSpan(rec, errors.New("send failed"))
	EndSpan(run, nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	recSpan, runSpan := spans[0], spans[1]
	if recSpan.Name() != "dispatch.record" || runSpan.Name() != "dispatch.run" {
		t.Fatalf("unexpected span names %q, %q", recSpan.Name(), runSpan.Name())
	}
	if recSpan.Parent().SpanID() != runSpan.SpanContext().SpanID() {
		t.Error("record span should be a child of the run span")
	}
	if v, ok := attrValue(recSpan.Attributes(), SpanAttrRow); !ok || v.AsInt64() != 7 {
		t.Errorf("row attribute = %v", v)
	}
	if v, ok := attrValue(runSpan.Attributes(), SpanAttrRunID); !ok || v.AsString() != "run-1" {
		t.Errorf("run id attribute = %v", v)
	}
	if recSpan.Status().Code != codes.Error {
		t.Errorf("record span status = %v, want error", recSpan.Status().Code)
	}
	if runSpan.Status().Code != codes.Ok {
		t.Errorf("run span status = %v, want ok", runSpan.Status().Code)
	}
}

func TestStartGoogleAPISpan(t *testing.T) {
	recorder := recordSpans(t)

	_, span := StartGoogleAPISpan(context.Background(), ServiceSheets, OperationBatchUpdate,
		attribute.Int("requests", 3))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "google.sheets.batch_update" {
		t.Errorf("name = %q", spans[0].Name())
	}
	if spans[0].SpanKind() != trace.SpanKindClient {
		t.Errorf("kind = %v", spans[0].SpanKind())
	}
	if v, ok := attrValue(spans[0].Attributes(), SpanAttrService); !ok || v.AsString() != ServiceSheets {
		t.Errorf("service attribute = %v", v)
	}
	if _, ok := attrValue(spans[0].Attributes(), "requests"); !ok {
		t.Error("extra attribute missing")
	}
}

func TestTraceID_NoSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("expected empty trace id, got %q", id)
	}
}
