package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		ExecutionArn:  "exec-1",
		OperationID:   "op-1",
		OperationType: "STEP",
		Name:          "charge",
		Attempt:       1,
		Msg:           MsgStepRetry,
		Meta:          map[string]interface{}{"delay_seconds": 5},
	})

	want := `[step_retry] arn=exec-1 op=op-1 type=STEP name=charge attempt=1 meta={"delay_seconds":5}` + "\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestLogEmitter_TextMinimal(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)
	emitter.Emit(Event{ExecutionArn: "exec-1", Msg: MsgSuspended})

	want := "[suspended] arn=exec-1 op=\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{ExecutionArn: "exec-1", OperationID: "op-1", Msg: MsgOperationStarted})
	emitter.Emit(Event{ExecutionArn: "exec-1", OperationID: "op-2", Msg: MsgOperationFailed, Meta: map[string]interface{}{"error": "boom"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var decoded struct {
		ExecutionArn string                 `json:"executionArn"`
		OperationID  string                 `json:"operationId"`
		Msg          string                 `json:"msg"`
		Meta         map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if decoded.OperationID != "op-2" || decoded.Msg != MsgOperationFailed {
		t.Errorf("unexpected event: %+v", decoded)
	}
	if decoded.Meta["error"] != "boom" {
		t.Errorf("meta error = %v", decoded.Meta["error"])
	}
}

func TestNullAndMulti(t *testing.T) {
	buffered := NewBufferedEmitter()
	var multi Emitter = Multi{NewNullEmitter(), nil, buffered}
	multi.Emit(Event{ExecutionArn: "exec-1", Msg: "x"})

	if got := len(buffered.GetHistory("exec-1")); got != 1 {
		t.Errorf("expected fan-out to buffered emitter, got %d events", got)
	}
}
