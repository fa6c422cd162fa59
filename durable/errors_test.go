package durable

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestOperationErrorStackTrace(t *testing.T) {
	located := WithStack(errors.New("card declined"))
	recorded := &OperationError{Kind: ErrorKindStep, Message: "boom", StackTrace: []string{"main.charge (main.go:12)"}}

	tests := []struct {
		desc      string
		err       error
		wantMsg   string
		wantFrame string
	}{
		{"plain error", errors.New("card declined"), "card declined", ""},
		{"nil error", nil, "Unknown error", ""},
		{"annotated error", located, "card declined", "TestOperationErrorStackTrace"},
		{"wrapped annotated error", fmt.Errorf("charge: %w", located), "charge: card declined", "TestOperationErrorStackTrace"},
		{"operation error", recorded, "boom", "main.charge"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			e := NewOperationError(ErrorKindStep, tt.err)
			if e.Message != tt.wantMsg {
				t.Errorf("message %q, want %q", e.Message, tt.wantMsg)
			}
			if tt.wantFrame == "" {
				if len(e.StackTrace) != 0 {
					t.Errorf("stack %v, want none", e.StackTrace)
				}
				return
			}
			if len(e.StackTrace) == 0 || !strings.Contains(e.StackTrace[0], tt.wantFrame) {
				t.Errorf("stack %v, want first frame in %s", e.StackTrace, tt.wantFrame)
			}
			for _, f := range e.StackTrace {
				if strings.Contains(f, "durable.NewOperationError") || strings.Contains(f, "durable.WithStack") {
					t.Errorf("stack records internal frame %s", f)
				}
			}
		})
	}
}

func TestWithStack(t *testing.T) {
	if WithStack(nil) != nil {
		t.Error("WithStack(nil) != nil")
	}
	base := errors.New("card declined")
	err := WithStack(base)
	if !errors.Is(err, base) {
		t.Error("annotated error does not unwrap to its cause")
	}
	if err.Error() != "card declined" {
		t.Errorf("message %q", err.Error())
	}
}
