package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into an OpenTelemetry span.
//
// Each span has:
//   - Name: event.Msg (e.g., "operation_started", "suspended")
//   - Attributes: durable.execution_arn, durable.operation_id,
//     durable.operation_type, durable.name, durable.attempt and every Meta
//     entry under the durable. prefix
//   - Status: Error when Meta["error"] is a string
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//
//	emitter := emit.NewOTelEmitter(otel.Tracer("durable-go"))
//	handler := durable.WithDurableExecution(fn, durable.WithEmitter(emitter))
type OTelEmitter struct {
	tracer   trace.Tracer
	provider trace.TracerProvider
}

// NewOTelEmitter creates an OTelEmitter that records spans on tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// NewOTelEmitterFromProvider creates an OTelEmitter whose Flush targets the
// given provider rather than the global one.
func NewOTelEmitterFromProvider(provider trace.TracerProvider, name string) *OTelEmitter {
	return &OTelEmitter{tracer: provider.Tracer(name), provider: provider}
}

// Emit records the event as an instantaneous span.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch records several events under ctx so that they share its trace.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// Flush forces export of buffered spans when the provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := o.provider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	type flusher interface {
		ForceFlush(context.Context) error
	}

	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("durable.execution_arn", event.ExecutionArn),
		attribute.String("durable.operation_id", event.OperationID),
	)
	if event.OperationType != "" {
		span.SetAttributes(attribute.String("durable.operation_type", event.OperationType))
	}
	if event.Name != "" {
		span.SetAttributes(attribute.String("durable.name", event.Name))
	}
	if event.Attempt > 0 {
		span.SetAttributes(attribute.Int("durable.attempt", event.Attempt))
	}
}

// addMetadataAttributes converts Meta entries into span attributes. Scalars
// keep their type, durations become milliseconds, anything else is
// formatted with %v.
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := "durable." + key

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
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
