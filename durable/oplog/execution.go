package oplog

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// StartExecutionRequest starts a new durable execution.
type StartExecutionRequest struct {
	FunctionName  string  `json:"FunctionName"`
	ExecutionName string  `json:"ExecutionName,omitempty"`
	Payload       *string `json:"Payload,omitempty"`
}

// Invocation is everything a host needs to invoke the handler once.
type Invocation struct {
	InvocationID string `json:"InvocationId"`
	durable.InvocationInput
}

// CompleteInvocationRequest reports the outcome of an invocation.
type CompleteInvocationRequest struct {
	DurableExecutionArn string                    `json:"DurableExecutionArn"`
	InvocationID        string                    `json:"InvocationId"`
	Output              *durable.InvocationOutput `json:"Output,omitempty"`
	// Error is set when the invocation itself failed and returned no output.
	Error *durable.ErrorObject `json:"Error,omitempty"`
}

// NewArn builds the arn of an execution.
func NewArn(functionName, id string) string {
	if functionName == "" {
		functionName = "default"
	}
	return fmt.Sprintf("arn:durable:%s:execution:%s", functionName, id)
}

// StartExecution creates an execution with its EXECUTION operation and
// starts its first invocation.
func (l *Log) StartExecution(ctx context.Context, req StartExecutionRequest) (*Invocation, error) {
	id := l.newID()
	arn := NewArn(req.FunctionName, id)
	now := l.clock.Now()

	name := req.ExecutionName
	if name == "" {
		name = id
	}
	root, err := durable.ApplyUpdate(nil, durable.OperationUpdate{
		ID:      l.newID(),
		Name:    &name,
		Type:    durable.OperationTypeExecution,
		Action:  durable.ActionStart,
		Payload: req.Payload,
	}, now, nil)
	if err != nil {
		return nil, err
	}

	exec := store.Execution{
		Arn:          arn,
		Name:         name,
		FunctionName: req.FunctionName,
		Status:       store.ExecutionRunning,
		Token:        l.newID(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.CreateExecution(ctx, exec, *root); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	l.logger.Info("execution started", "execution_arn", arn, "function", req.FunctionName)
	l.emit(emit.Event{ExecutionArn: arn, Msg: emit.MsgExecutionStarted, Meta: map[string]interface{}{
		"function": req.FunctionName, "name": name,
	}})
	return l.StartInvocation(ctx, arn)
}

// StartInvocation begins a new invocation of a running execution. Due timers
// are fired and the checkpoint token is rotated, so checkpoints from any
// earlier invocation are rejected from now on.
func (l *Log) StartInvocation(ctx context.Context, arn string) (*Invocation, error) {
	unlock := l.lock(arn)
	defer unlock()

	exec, err := l.execution(ctx, arn)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionClosed, arn, exec.Status)
	}
	if _, err := l.advanceLocked(ctx, arn); err != nil {
		return nil, err
	}

	token := l.newID()
	if err := l.store.Append(ctx, arn, &store.TokenSwap{From: exec.Token, To: token}); err != nil {
		return nil, fmt.Errorf("rotate token of %s: %w", arn, err)
	}
	ops, err := l.store.Operations(ctx, arn)
	if err != nil {
		return nil, err
	}

	inv := store.Invocation{ID: l.newID(), Arn: arn, StartedAt: l.clock.Now()}
	if err := l.store.SaveInvocation(ctx, inv); err != nil {
		return nil, fmt.Errorf("record invocation: %w", err)
	}

	page, next := paginate(ops, 0, l.pageSize)
	l.logger.Debug("invocation started", "execution_arn", arn, "invocation_id", inv.ID, "operations", len(ops))
	return &Invocation{
		InvocationID: inv.ID,
		InvocationInput: durable.InvocationInput{
			DurableExecutionArn:   arn,
			CheckpointToken:       token,
			InitialExecutionState: durable.ExecutionState{Operations: page, NextMarker: next},
		},
	}, nil
}

// CompleteInvocation records the outcome of an invocation. A SUCCEEDED or
// FAILED output closes the execution; PENDING leaves it running. An
// invocation error is recorded and leaves the execution running so the host
// can invoke again.
func (l *Log) CompleteInvocation(ctx context.Context, req CompleteInvocationRequest) (store.Execution, error) {
	arn := req.DurableExecutionArn
	unlock := l.lock(arn)
	defer unlock()

	exec, err := l.execution(ctx, arn)
	if err != nil {
		return exec, err
	}

	invs, err := l.store.Invocations(ctx, arn)
	if err != nil {
		return exec, err
	}
	var inv *store.Invocation
	for i := range invs {
		if invs[i].ID == req.InvocationID {
			inv = &invs[i]
		}
	}
	if inv == nil {
		return exec, fmt.Errorf("%w: invocation %s of %s", store.ErrNotFound, req.InvocationID, arn)
	}

	now := l.clock.Now()
	inv.CompletedAt = now
	inv.Error = req.Error
	if req.Output != nil {
		inv.Status = req.Output.Status
		if req.Output.Error != nil {
			inv.Error = req.Output.Error
		}
	}
	if err := l.store.SaveInvocation(ctx, *inv); err != nil {
		return exec, fmt.Errorf("record invocation: %w", err)
	}

	if req.Output == nil || req.Output.Status == durable.InvocationPending || exec.Status.Terminal() {
		return exec, nil
	}

	update := durable.OperationUpdate{Type: durable.OperationTypeExecution}
	if req.Output.Status == durable.InvocationSucceeded {
		update.Action = durable.ActionSucceed
		if req.Output.Result != "" {
			result := req.Output.Result
			update.Payload = &result
		}
	} else {
		update.Action = durable.ActionFail
		update.Error = req.Output.Error
	}
	if err := l.closeRootLocked(ctx, arn, update); err != nil {
		return exec, err
	}
	f := finishExecution(exec, &durable.Operation{Status: statusOf(update.Action)}, update, now)
	if err := l.store.UpdateExecution(ctx, f); err != nil {
		return exec, err
	}
	l.emitCompleted(f)
	return f, nil
}

// closeRootLocked applies update to the EXECUTION operation.
func (l *Log) closeRootLocked(ctx context.Context, arn string, update durable.OperationUpdate) error {
	ops, err := l.store.Operations(ctx, arn)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Type != durable.OperationTypeExecution {
			continue
		}
		if op.Status.Terminal() {
			return nil
		}
		update.ID = op.ID
		next, err := durable.ApplyUpdate(&op, update, l.clock.Now(), nil)
		if err != nil {
			return err
		}
		if err := l.store.Append(ctx, arn, nil, *next); err != nil {
			return err
		}
		l.notify(arn, []durable.Operation{*next}, true)
		return nil
	}
	return fmt.Errorf("%w: %s has no EXECUTION operation", durable.ErrOperationNotFound, arn)
}

func statusOf(a durable.OperationAction) durable.OperationStatus {
	if a == durable.ActionSucceed {
		return durable.StatusSucceeded
	}
	return durable.StatusFailed
}

// IsClosed reports whether err means the execution already finished.
func IsClosed(err error) bool {
	return errors.Is(err, ErrExecutionClosed)
}
