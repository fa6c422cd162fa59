package durable

import (
	"fmt"
	"time"
)

// ApplyUpdate applies one checkpoint update to the current record of an
// operation and returns the new record. current may be nil for an operation
// that has never been recorded. The input is never mutated.
//
// This is the authoritative lifecycle used by durable logs:
//
//	START   -> STARTED (idempotent for an already STARTED record)
//	SUCCEED -> SUCCEEDED, payload stored as the kind-specific result
//	FAIL    -> FAILED, error stored on the kind-specific details
//	RETRY   -> PENDING (STEP only), attempt incremented, next attempt scheduled
//
// Terminal records reject every further update with ErrOperationCompleted.
// newCallbackID is used to mint the id of a new CALLBACK operation.
func ApplyUpdate(current *Operation, u OperationUpdate, now time.Time, newCallbackID func() string) (*Operation, error) {
	if u.ID == "" {
		return nil, fmt.Errorf("%w: missing operation id", ErrInvalidUpdate)
	}

	var op *Operation
	if current == nil {
		op = &Operation{
			ID:       u.ID,
			ParentID: u.ParentID,
			Name:     cloneString(u.Name),
			Type:     u.Type,
			SubType:  u.SubType,
		}
	} else {
		if current.Type != u.Type {
			return nil, fmt.Errorf("%w: operation %s is %s, update is %s", ErrInvalidUpdate, u.ID, current.Type, u.Type)
		}
		// Updates may omit SubType and Name; set ones must match the record.
		if u.SubType != "" && u.SubType != current.SubType {
			return nil, fmt.Errorf("%w: operation %s has subtype %q, update has %q", ErrInvalidUpdate, u.ID, current.SubType, u.SubType)
		}
		if u.Name != nil && (current.Name == nil || *current.Name != *u.Name) {
			return nil, fmt.Errorf("%w: operation %s is named %q, update names it %q", ErrInvalidUpdate, u.ID, current.NameValue(), *u.Name)
		}
		if current.Status.Terminal() {
			return nil, fmt.Errorf("%w: operation %s is %s", ErrOperationCompleted, u.ID, current.Status)
		}
		op = current.Clone()
	}

	switch u.Action {
	case ActionStart:
		if current != nil && current.Status == StatusStarted {
			return op, nil
		}
		if err := startOperation(op, u, now, newCallbackID); err != nil {
			return nil, err
		}
	case ActionSucceed:
		if current == nil {
			if err := startOperation(op, u, now, newCallbackID); err != nil {
				return nil, err
			}
		}
		succeedOperation(op, u, now)
	case ActionFail:
		if current == nil {
			if err := startOperation(op, u, now, newCallbackID); err != nil {
				return nil, err
			}
		}
		failOperation(op, u, now)
	case ActionRetry:
		if op.Type != OperationTypeStep {
			return nil, fmt.Errorf("%w: RETRY is only valid for STEP operations, got %s", ErrInvalidUpdate, op.Type)
		}
		if current == nil {
			if err := startOperation(op, u, now, newCallbackID); err != nil {
				return nil, err
			}
		}
		delay := 0
		if u.StepOptions != nil {
			delay = u.StepOptions.NextAttemptDelaySeconds
		}
		if op.StepDetails == nil {
			op.StepDetails = &StepDetails{}
		}
		op.Status = StatusPending
		op.StepDetails.Attempt++
		op.StepDetails.NextAttemptTimestamp = TimestampOf(now.Add(time.Duration(delay) * time.Second))
		op.StepDetails.Error = cloneErrorObject(u.Error)
		if u.Payload != nil {
			op.StepDetails.Result = cloneString(u.Payload)
		}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidUpdate, u.Action)
	}
	return op, nil
}

func startOperation(op *Operation, u OperationUpdate, now time.Time, newCallbackID func() string) error {
	op.Status = StatusStarted
	if op.StartTimestamp.IsZero() {
		op.StartTimestamp = TimestampOf(now)
	}
	switch op.Type {
	case OperationTypeExecution:
		op.ExecutionDetails = &ExecutionDetails{InputPayload: cloneString(u.Payload)}
	case OperationTypeStep:
		if op.StepDetails == nil {
			op.StepDetails = &StepDetails{}
		}
		op.StepDetails.NextAttemptTimestamp = 0
	case OperationTypeWait:
		if u.Action == ActionStart && u.WaitOptions == nil {
			return fmt.Errorf("%w: WAIT START requires WaitOptions", ErrInvalidUpdate)
		}
		secs := 0
		if u.WaitOptions != nil {
			secs = u.WaitOptions.WaitSeconds
		}
		op.WaitDetails = &WaitDetails{ScheduledEndTimestamp: TimestampOf(now.Add(time.Duration(secs) * time.Second))}
	case OperationTypeCallback:
		id := ""
		if newCallbackID != nil {
			id = newCallbackID()
		}
		op.CallbackDetails = &CallbackDetails{CallbackID: id}
	case OperationTypeChainedInvoke:
		op.ChainedInvokeDetails = &ChainedInvokeDetails{}
	case OperationTypeContext:
		op.ContextDetails = &ContextDetails{}
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidUpdate, op.Type)
	}
	return nil
}

func succeedOperation(op *Operation, u OperationUpdate, now time.Time) {
	op.Status = StatusSucceeded
	op.EndTimestamp = TimestampOf(now)
	payload := cloneString(u.Payload)
	switch op.Type {
	case OperationTypeStep:
		if op.StepDetails == nil {
			op.StepDetails = &StepDetails{}
		}
		op.StepDetails.Result = payload
		op.StepDetails.Error = nil
		op.StepDetails.NextAttemptTimestamp = 0
	case OperationTypeCallback:
		if op.CallbackDetails == nil {
			op.CallbackDetails = &CallbackDetails{}
		}
		op.CallbackDetails.Result = payload
	case OperationTypeChainedInvoke:
		if op.ChainedInvokeDetails == nil {
			op.ChainedInvokeDetails = &ChainedInvokeDetails{}
		}
		op.ChainedInvokeDetails.Result = payload
	case OperationTypeContext:
		if op.ContextDetails == nil {
			op.ContextDetails = &ContextDetails{}
		}
		op.ContextDetails.Result = payload
		if u.ContextOptions != nil {
			op.ContextDetails.ReplayChildren = u.ContextOptions.ReplayChildren
		}
	case OperationTypeExecution:
		if op.ExecutionDetails == nil {
			op.ExecutionDetails = &ExecutionDetails{}
		}
	}
}

func failOperation(op *Operation, u OperationUpdate, now time.Time) {
	op.Status = StatusFailed
	op.EndTimestamp = TimestampOf(now)
	errObj := cloneErrorObject(u.Error)
	switch op.Type {
	case OperationTypeStep:
		if op.StepDetails == nil {
			op.StepDetails = &StepDetails{}
		}
		op.StepDetails.Error = errObj
		op.StepDetails.NextAttemptTimestamp = 0
	case OperationTypeCallback:
		if op.CallbackDetails == nil {
			op.CallbackDetails = &CallbackDetails{}
		}
		op.CallbackDetails.Error = errObj
	case OperationTypeChainedInvoke:
		if op.ChainedInvokeDetails == nil {
			op.ChainedInvokeDetails = &ChainedInvokeDetails{}
		}
		op.ChainedInvokeDetails.Error = errObj
	case OperationTypeContext:
		if op.ContextDetails == nil {
			op.ContextDetails = &ContextDetails{}
		}
		op.ContextDetails.Error = errObj
	}
}

// PromoteDue moves time-driven operations forward once their scheduled time
// has passed: a STARTED wait becomes SUCCEEDED and a PENDING step becomes
// READY. It returns the promoted copy and true, or nil and false when nothing
// was due.
func PromoteDue(op *Operation, now time.Time) (*Operation, bool) {
	if op == nil {
		return nil, false
	}
	switch {
	case op.Type == OperationTypeWait && op.Status == StatusStarted && op.WaitDetails != nil:
		end := op.WaitDetails.ScheduledEndTimestamp
		if end.IsZero() || end.Time().After(now) {
			return nil, false
		}
		c := op.Clone()
		c.Status = StatusSucceeded
		c.EndTimestamp = TimestampOf(now)
		return c, true
	case op.Type == OperationTypeStep && op.Status == StatusPending && op.StepDetails != nil:
		next := op.StepDetails.NextAttemptTimestamp
		if !next.IsZero() && next.Time().After(now) {
			return nil, false
		}
		c := op.Clone()
		c.Status = StatusReady
		return c, true
	}
	return nil, false
}

// NextDue returns the earliest time at which PromoteDue would change op, or
// the zero time when op is not waiting on a timer.
func NextDue(op *Operation) time.Time {
	if op == nil {
		return time.Time{}
	}
	switch {
	case op.Type == OperationTypeWait && op.Status == StatusStarted && op.WaitDetails != nil:
		return op.WaitDetails.ScheduledEndTimestamp.Time()
	case op.Type == OperationTypeStep && op.Status == StatusPending && op.StepDetails != nil:
		return op.StepDetails.NextAttemptTimestamp.Time()
	}
	return time.Time{}
}
