package durable

import (
	"errors"
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestApplyUpdateStart(t *testing.T) {
	t.Run("step", func(t *testing.T) {
		op, err := ApplyUpdate(nil, OperationUpdate{
			ID: "a", Type: OperationTypeStep, SubType: SubTypeStep, Action: ActionStart, Name: StringPtr("charge"),
		}, epoch, nil)
		if err != nil {
			t.Fatal(err)
		}
		if op.Status != StatusStarted {
			t.Errorf("Status = %s, want STARTED", op.Status)
		}
		if op.StartTimestamp != TimestampOf(epoch) {
			t.Errorf("StartTimestamp = %d", op.StartTimestamp)
		}
		if op.NameValue() != "charge" {
			t.Errorf("Name = %q", op.NameValue())
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		first, _ := ApplyUpdate(nil, OperationUpdate{ID: "a", Type: OperationTypeStep, Action: ActionStart}, epoch, nil)
		again, err := ApplyUpdate(first, OperationUpdate{ID: "a", Type: OperationTypeStep, Action: ActionStart}, epoch.Add(time.Hour), nil)
		if err != nil {
			t.Fatal(err)
		}
		if again.StartTimestamp != first.StartTimestamp {
			t.Error("repeated START moved the start timestamp")
		}
	})

	t.Run("wait schedules end", func(t *testing.T) {
		op, err := ApplyUpdate(nil, OperationUpdate{
			ID: "w", Type: OperationTypeWait, Action: ActionStart, WaitOptions: &WaitOptions{WaitSeconds: 90},
		}, epoch, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := op.WaitDetails.ScheduledEndTimestamp.Time(); !got.Equal(epoch.Add(90 * time.Second)) {
			t.Errorf("ScheduledEnd = %v", got)
		}
	})

	t.Run("wait without options", func(t *testing.T) {
		_, err := ApplyUpdate(nil, OperationUpdate{ID: "w", Type: OperationTypeWait, Action: ActionStart}, epoch, nil)
		if !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("err = %v, want ErrInvalidUpdate", err)
		}
	})

	t.Run("callback gets id", func(t *testing.T) {
		op, err := ApplyUpdate(nil, OperationUpdate{ID: "c", Type: OperationTypeCallback, Action: ActionStart}, epoch, seqIDs("cb-"))
		if err != nil {
			t.Fatal(err)
		}
		if op.CallbackDetails.CallbackID != "cb-1" {
			t.Errorf("CallbackID = %q", op.CallbackDetails.CallbackID)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := ApplyUpdate(nil, OperationUpdate{ID: "x", Type: "BOGUS", Action: ActionStart}, epoch, nil)
		if !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("err = %v, want ErrInvalidUpdate", err)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := ApplyUpdate(nil, OperationUpdate{Type: OperationTypeStep, Action: ActionStart}, epoch, nil)
		if !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("err = %v, want ErrInvalidUpdate", err)
		}
	})
}

func TestApplyUpdateTerminal(t *testing.T) {
	started, _ := ApplyUpdate(nil, OperationUpdate{ID: "a", Type: OperationTypeStep, Action: ActionStart}, epoch, nil)

	done, err := ApplyUpdate(started, OperationUpdate{
		ID: "a", Type: OperationTypeStep, Action: ActionSucceed, Payload: StringPtr(`{"ok":true}`),
	}, epoch.Add(time.Second), nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusSucceeded || *done.StepDetails.Result != `{"ok":true}` {
		t.Fatalf("unexpected record %+v", done)
	}
	if started.Status != StatusStarted {
		t.Error("ApplyUpdate mutated its input")
	}

	t.Run("no transition out of terminal", func(t *testing.T) {
		for _, a := range []OperationAction{ActionStart, ActionSucceed, ActionFail, ActionRetry} {
			_, err := ApplyUpdate(done, OperationUpdate{ID: "a", Type: OperationTypeStep, Action: a}, epoch, nil)
			if !errors.Is(err, ErrOperationCompleted) {
				t.Errorf("%s: err = %v, want ErrOperationCompleted", a, err)
			}
		}
	})

	t.Run("type is immutable", func(t *testing.T) {
		_, err := ApplyUpdate(started, OperationUpdate{ID: "a", Type: OperationTypeWait, Action: ActionSucceed}, epoch, nil)
		if !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("err = %v, want ErrInvalidUpdate", err)
		}
	})

	t.Run("fail stores error", func(t *testing.T) {
		failed, err := ApplyUpdate(started, OperationUpdate{
			ID: "a", Type: OperationTypeStep, Action: ActionFail,
			Error: &ErrorObject{ErrorType: "StepError", ErrorMessage: "boom"},
		}, epoch, nil)
		if err != nil {
			t.Fatal(err)
		}
		if failed.Status != StatusFailed || failed.StepDetails.Error.ErrorMessage != "boom" {
			t.Errorf("unexpected record %+v", failed.StepDetails)
		}
	})
}

func TestApplyUpdateIdentityIsImmutable(t *testing.T) {
	started, err := ApplyUpdate(nil, OperationUpdate{
		ID: "a", Type: OperationTypeStep, SubType: SubTypeStep, Action: ActionStart, Name: StringPtr("charge"),
	}, epoch, nil)
	if err != nil {
		t.Fatal(err)
	}
	unnamed, err := ApplyUpdate(nil, OperationUpdate{ID: "b", Type: OperationTypeStep, SubType: SubTypeStep, Action: ActionStart}, epoch, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		desc    string
		current *Operation
		update  OperationUpdate
		wantErr bool
	}{
		{"same identity", started, OperationUpdate{ID: "a", Type: OperationTypeStep, SubType: SubTypeStep, Name: StringPtr("charge"), Action: ActionSucceed}, false},
		{"identity omitted", started, OperationUpdate{ID: "a", Type: OperationTypeStep, Action: ActionSucceed}, false},
		{"subtype changed", started, OperationUpdate{ID: "a", Type: OperationTypeStep, SubType: SubTypeWaitForCondition, Action: ActionSucceed}, true},
		{"name changed", started, OperationUpdate{ID: "a", Type: OperationTypeStep, Name: StringPtr("refund"), Action: ActionSucceed}, true},
		{"name added", unnamed, OperationUpdate{ID: "b", Type: OperationTypeStep, Name: StringPtr("charge"), Action: ActionSucceed}, true},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			op, err := ApplyUpdate(tt.current, tt.update, epoch.Add(time.Second), nil)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidUpdate) {
					t.Errorf("err = %v, want ErrInvalidUpdate", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if op.SubType != tt.current.SubType || op.NameValue() != tt.current.NameValue() {
				t.Errorf("identity changed to %s %q", op.SubType, op.NameValue())
			}
		})
	}
}

func TestApplyUpdateRetry(t *testing.T) {
	op, err := ApplyUpdate(nil, OperationUpdate{
		ID: "a", Type: OperationTypeStep, Action: ActionRetry,
		Error:       &ErrorObject{ErrorMessage: "flaky"},
		StepOptions: &StepOptions{NextAttemptDelaySeconds: 10},
	}, epoch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != StatusPending || op.StepDetails.Attempt != 1 {
		t.Fatalf("status %s attempt %d", op.Status, op.StepDetails.Attempt)
	}

	if _, ok := PromoteDue(op, epoch.Add(9*time.Second)); ok {
		t.Error("promoted before the retry was due")
	}
	if got := NextDue(op); !got.Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("NextDue = %v", got)
	}
	ready, ok := PromoteDue(op, epoch.Add(10*time.Second))
	if !ok || ready.Status != StatusReady {
		t.Fatalf("PromoteDue = %v, %v", ready, ok)
	}

	again, err := ApplyUpdate(ready, OperationUpdate{
		ID: "a", Type: OperationTypeStep, Action: ActionRetry, StepOptions: &StepOptions{NextAttemptDelaySeconds: 1},
	}, epoch.Add(10*time.Second), nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.StepDetails.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", again.StepDetails.Attempt)
	}

	t.Run("only steps retry", func(t *testing.T) {
		_, err := ApplyUpdate(nil, OperationUpdate{ID: "c", Type: OperationTypeContext, Action: ActionRetry}, epoch, nil)
		if !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("err = %v, want ErrInvalidUpdate", err)
		}
	})
}

func TestPromoteDueWait(t *testing.T) {
	op, _ := ApplyUpdate(nil, OperationUpdate{
		ID: "w", Type: OperationTypeWait, Action: ActionStart, WaitOptions: &WaitOptions{WaitSeconds: 5},
	}, epoch, nil)

	if _, ok := PromoteDue(op, epoch.Add(4*time.Second)); ok {
		t.Fatal("wait promoted early")
	}
	done, ok := PromoteDue(op, epoch.Add(5*time.Second))
	if !ok || done.Status != StatusSucceeded {
		t.Fatalf("PromoteDue = %v, %v", done, ok)
	}
	if !NextDue(done).IsZero() {
		t.Error("a finished wait has no timer")
	}
}

func TestTimestamp(t *testing.T) {
	if !TimestampOf(time.Time{}).IsZero() {
		t.Error("zero time must map to the zero timestamp")
	}
	if !Timestamp(0).Time().IsZero() {
		t.Error("zero timestamp must map to the zero time")
	}
	ts := TimestampOf(epoch.Add(1500 * time.Millisecond))
	if !ts.Time().Equal(epoch.Add(time.Second)) {
		t.Errorf("timestamps truncate to seconds, got %v", ts.Time())
	}
}
