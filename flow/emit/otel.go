package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into an OpenTelemetry span.
//
// Span name is the event type; execution, flow and step identifiers
// plus all Meta fields become attributes under the "stepflow."
// namespace. Events carrying an "error" meta field mark the span with
// error status.
//
//	tracer := otel.Tracer("stepflow-go")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event. Events are
// points in time, so the span duration is zero unless Meta carries
// "durationMs".
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Type)
	defer span.End()

	span.SetAttributes(
		attribute.String("stepflow.execution_id", event.ExecutionID),
		attribute.String("stepflow.flow_id", event.FlowID),
		attribute.String("stepflow.step_id", event.StepID),
		attribute.Int64("stepflow.timestamp", event.Timestamp),
	)

	for key, value := range event.Meta {
		attrKey := "stepflow." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, v.Milliseconds()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
