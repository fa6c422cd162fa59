package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer in text or JSON Lines form.
//
// Example text output:
//
//	[operation_started] arn=exec-1 op=c4ca4238a0b92382 type=STEP name=charge attempt=1
//	[step_retry] arn=exec-1 op=c4ca4238a0b92382 type=STEP name=charge attempt=1 meta={"delay_seconds":5}
//
// Example JSON output:
//
//	{"executionArn":"exec-1","operationId":"c4ca...","type":"STEP","name":"charge","attempt":1,"msg":"operation_started","meta":null}
//
// Usage:
//
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer writes to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes one line per event.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		ExecutionArn  string                 `json:"executionArn"`
		OperationID   string                 `json:"operationId"`
		OperationType string                 `json:"type,omitempty"`
		Name          string                 `json:"name,omitempty"`
		Attempt       int                    `json:"attempt,omitempty"`
		Msg           string                 `json:"msg"`
		Meta          map[string]interface{} `json:"meta"`
	}{
		ExecutionArn:  event.ExecutionArn,
		OperationID:   event.OperationID,
		OperationType: event.OperationType,
		Name:          event.Name,
		Attempt:       event.Attempt,
		Msg:           event.Msg,
		Meta:          event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] arn=%s op=%s", event.Msg, event.ExecutionArn, event.OperationID)
	if event.OperationType != "" {
		fmt.Fprintf(l.writer, " type=%s", event.OperationType)
	}
	if event.Name != "" {
		fmt.Fprintf(l.writer, " name=%s", event.Name)
	}
	if event.Attempt > 0 {
		fmt.Fprintf(l.writer, " attempt=%d", event.Attempt)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
