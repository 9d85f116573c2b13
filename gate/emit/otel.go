package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes an instant span:
//   - Span name: event.Kind (e.g., "cache_hit", "batch_submit")
//   - Attributes: session, agent, seq, checkpoint and all Meta fields
//   - Status: error when event.Meta["error"] is present
//
// Setup:
//
//	tracer := otel.Tracer("replaygate")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter from an OpenTelemetry tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates a span for the event. The span is ended immediately; events
// represent points in time, not durations.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Kind)
	defer span.End()

	span.SetAttributes(
		attribute.Int("gate.session", event.Session),
		attribute.String("gate.agent", event.Agent),
		attribute.Int("gate.seq", event.Seq),
	)
	if event.Checkpoint != "" {
		span.SetAttributes(attribute.String("gate.checkpoint", event.Checkpoint))
	}
	if event.Msg != "" {
		span.SetAttributes(attribute.String("gate.msg", event.Msg))
	}

	for k, v := range event.Meta {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String(k, val))
		case int:
			span.SetAttributes(attribute.Int(k, val))
		case int64:
			span.SetAttributes(attribute.Int64(k, val))
		case float64:
			span.SetAttributes(attribute.Float64(k, val))
		case bool:
			span.SetAttributes(attribute.Bool(k, val))
		default:
			span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
