package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	tp, exporter := newTestProvider(t)
	emitter := NewOTelEmitterFromProvider(tp, "test")

	emitter.Emit(Event{
		ExecutionArn:  "exec-1",
		OperationID:   "op-1",
		OperationType: "STEP",
		Name:          "charge",
		Attempt:       2,
		Msg:           MsgOperationStarted,
		Meta: map[string]interface{}{
			"delay_seconds": 5,
			"replayed":      false,
			"latency":       1500 * time.Millisecond,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgOperationStarted {
		t.Errorf("span name = %q, want %q", span.Name, MsgOperationStarted)
	}

	attrs := attributeMap(span.Attributes)
	tests := []struct {
		key  string
		want interface{}
	}{
		{"durable.execution_arn", "exec-1"},
		{"durable.operation_id", "op-1"},
		{"durable.operation_type", "STEP"},
		{"durable.name", "charge"},
		{"durable.attempt", int64(2)},
		{"durable.delay_seconds", int64(5)},
		{"durable.replayed", false},
		{"durable.latency", int64(1500)},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := attrs[tt.key]; got != tt.want {
				t.Errorf("%s = %v (%T), want %v (%T)", tt.key, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestOTelEmitter_EmitWithError(t *testing.T) {
	tp, exporter := newTestProvider(t)
	emitter := NewOTelEmitterFromProvider(tp, "test")

	emitter.Emit(Event{
		ExecutionArn: "exec-1",
		Msg:          MsgOperationFailed,
		Meta:         map[string]interface{}{"error": "card declined"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "card declined" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	tp, exporter := newTestProvider(t)
	emitter := NewOTelEmitterFromProvider(tp, "test")

	t.Run("emits every event", func(t *testing.T) {
		exporter.Reset()
		err := emitter.EmitBatch(context.Background(), []Event{
			{ExecutionArn: "exec-1", Msg: MsgCheckpoint},
			{ExecutionArn: "exec-1", Msg: MsgSuspended},
		})
		if err != nil {
			t.Fatalf("EmitBatch: %v", err)
		}
		if got := len(exporter.GetSpans()); got != 2 {
			t.Errorf("expected 2 spans, got %d", got)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		exporter.Reset()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := emitter.EmitBatch(ctx, []Event{{Msg: MsgCheckpoint}})
		if err == nil {
			t.Fatal("expected context error")
		}
		if got := len(exporter.GetSpans()); got != 0 {
			t.Errorf("expected 0 spans, got %d", got)
		}
	})

	t.Run("flush", func(t *testing.T) {
		if err := emitter.Flush(context.Background()); err != nil {
			t.Errorf("Flush: %v", err)
		}
	})
}
