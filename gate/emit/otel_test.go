package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(otel.Tracer("test")), exporter
}

func TestOTelEmitterEmit(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		Session:    3,
		Agent:      "writer",
		Seq:        7,
		Checkpoint: "draft",
		Kind:       KindCacheHit,
		Meta: map[string]interface{}{
			"doc_hash": "ab12cd34",
			"rows":     2,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != KindCacheHit {
		t.Errorf("span name = %q, want %q", span.Name, KindCacheHit)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["gate.session"]; got != int64(3) {
		t.Errorf("session = %v, want 3", got)
	}
	if got := attrs["gate.agent"]; got != "writer" {
		t.Errorf("agent = %v, want %q", got, "writer")
	}
	if got := attrs["gate.seq"]; got != int64(7) {
		t.Errorf("seq = %v, want 7", got)
	}
	if got := attrs["gate.checkpoint"]; got != "draft" {
		t.Errorf("checkpoint = %v, want %q", got, "draft")
	}
	if got := attrs["doc_hash"]; got != "ab12cd34" {
		t.Errorf("doc_hash = %v, want %q", got, "ab12cd34")
	}
	if got := attrs["rows"]; got != int64(2) {
		t.Errorf("rows = %v, want 2", got)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		Agent: "writer",
		Kind:  KindLLMError,
		Meta:  map[string]interface{}{"error": "rate limited"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "rate limited" {
		t.Errorf("status description = %q", span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestOTelEmitterMetadataTypes(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		Kind: KindThrottleWait,
		Meta: map[string]interface{}{
			"string_val":  "hello",
			"int_val":     42,
			"int64_val":   int64(99),
			"float64_val": 3.14,
			"bool_val":    true,
			"other_val":   150 * time.Millisecond,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attributeMap(spans[0].Attributes)

	if got := attrs["string_val"]; got != "hello" {
		t.Errorf("string_val = %v", got)
	}
	if got := attrs["int_val"]; got != int64(42) {
		t.Errorf("int_val = %v", got)
	}
	if got := attrs["int64_val"]; got != int64(99) {
		t.Errorf("int64_val = %v", got)
	}
	if got := attrs["float64_val"]; got != 3.14 {
		t.Errorf("float64_val = %v", got)
	}
	if got := attrs["bool_val"]; got != true {
		t.Errorf("bool_val = %v", got)
	}
	// Unrecognized types render through %v.
	if got := attrs["other_val"]; got != "150ms" {
		t.Errorf("other_val = %v", got)
	}
}

func TestOTelEmitterNilMeta(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{Session: 1, Agent: "writer", Kind: KindSessionOpen, Meta: nil})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attributeMap(spans[0].Attributes)
	if got := attrs["gate.agent"]; got != "writer" {
		t.Errorf("agent = %v, want %q", got, "writer")
	}
	if _, ok := attrs["gate.checkpoint"]; ok {
		t.Error("empty checkpoint must not produce an attribute")
	}
}

// attributeMap flattens span attributes for assertions.
func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
