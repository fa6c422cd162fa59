package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/durable-go/durable/emit"
)

// drainTimeout bounds how long an invocation waits for queued checkpoints
// after user code stopped.
const drainTimeout = 30 * time.Second

// HandlerFunc is a durable workflow.
type HandlerFunc[I, O any] func(dc *Context, input I) (O, error)

// InvocationHandler runs one invocation of a durable workflow. The host calls
// it with the execution's current state and calls it again after a PENDING
// output, once the pending work is due.
//
// A non-nil error means the invocation itself failed and must be retried by
// the host; the execution is unaffected.
type InvocationHandler func(ctx context.Context, in InvocationInput) (*InvocationOutput, error)

// WithDurableExecution wraps fn as an InvocationHandler.
//
// Each invocation replays fn from the start. Operations already recorded in
// the durable log return their recorded outcome; the first operation with no
// record runs for real. When fn reaches an operation that cannot finish in
// this invocation the handler returns PENDING and fn's goroutine is
// abandoned at its next operation.
//
// Example:
//
//	handler, err := durable.WithDurableExecution(
//		func(dc *durable.Context, order Order) (Receipt, error) {
//			charged, err := durable.Step(dc, "charge", charge(order)).Await(dc)
//			if err != nil {
//				return Receipt{}, err
//			}
//			if _, err := durable.Wait(dc, "cool-off", durable.Minutes(5)).Await(dc); err != nil {
//				return Receipt{}, err
//			}
//			return ship(dc, charged)
//		},
//		durable.WithLogClient(client),
//	)
func WithDurableExecution[I, O any](fn HandlerFunc[I, O], opts ...Option) (InvocationHandler, error) {
	if fn == nil {
		return nil, errors.New("handler function cannot be nil")
	}
	cfg := defaultRunConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}
	if cfg.client == nil {
		return nil, errors.New("a log client is required, use WithLogClient")
	}
	return func(ctx context.Context, in InvocationInput) (*InvocationOutput, error) {
		return invoke(ctx, cfg, fn, in)
	}, nil
}

type handlerResult[O any] struct {
	value O
	err   error
}

func invoke[I, O any](ctx context.Context, cfg *runConfig, fn HandlerFunc[I, O], in InvocationInput) (*InvocationOutput, error) {
	arn := in.DurableExecutionArn
	if arn == "" {
		return nil, fmt.Errorf("%w: missing durable execution arn", ErrExecutionNotFound)
	}

	ops, err := loadState(ctx, cfg.client, in)
	if err != nil {
		return nil, err
	}
	index := newOperationIndex(ops)
	execOp := index.Execution()
	if execOp == nil {
		return nil, fmt.Errorf("%w: %s has no EXECUTION operation", ErrExecutionNotFound, arn)
	}

	var payload *string
	if execOp.ExecutionDetails != nil {
		payload = execOp.ExecutionDetails.InputPayload
	}
	sc := SerdesContext{EntityID: execOp.ID, DurableExecutionArn: arn}
	input, err := deserialize(defaultSerdes[I](cfg.codec), sc, "input", payload)
	if err != nil {
		return nil, &TerminationError{Reason: ReasonSerdesFailed, Message: err.Error(), Err: err}
	}

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := &execution{
		ctx:      ictx,
		arn:      arn,
		cfg:      cfg,
		index:    index,
		term:     newTerminationManager(nil),
		finished: make(chan struct{}),
	}
	defer close(exec.finished)

	exec.tracker = newActiveTracker(cfg.metrics.SetActiveOperations)
	exec.cp = newCheckpointManager(ictx, arn, in.CheckpointToken, cfg.client, index, exec.tracker)
	exec.cp.emitter = cfg.emitter
	exec.cp.metrics = cfg.metrics
	exec.cp.logger = cfg.logger.With("execution_arn", arn)
	exec.cp.onFailure = func(err error) {
		exec.requestTermination(TerminationResult{Reason: ReasonCheckpointFailed, Message: err.Error(), Err: err})
	}

	exec.sched = newScheduler(cfg.clock, cfg.warmup, cfg.pollInterval)
	exec.sched.poll = func() { exec.cp.Force(ictx) }
	exec.sched.onIdle = exec.onIdle
	exec.sched.onWarmup = cfg.metrics.IncrementTerminationWarmups
	exec.sched.onPending = cfg.metrics.SetPendingResolvers
	defer exec.sched.Cleanup()

	mode := ModeExecution
	if index.Len() > 1 {
		mode = ModeReplay
	}
	root := newRootContext(exec, mode)

	began := time.Now()
	exec.emit(emit.Event{Msg: emit.MsgInvocationStarted, Meta: map[string]interface{}{
		"operations": index.Len(), "mode": mode.String(),
	}})

	done := make(chan handlerResult[O], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult[O]{err: fmt.Errorf("durable handler panicked: %v", r)}
			}
		}()
		v, err := fn(root, input)
		done <- handlerResult[O]{value: v, err: err}
	}()

	var (
		res      handlerResult[O]
		returned bool
	)
	select {
	case res = <-done:
		returned = true
	case <-exec.term.Done():
	case <-ctx.Done():
	}
	root.close()

	if returned && !exec.term.Terminated() && (root.suspended.Load() || IsSuspended(res.err)) {
		exec.terminateNow(TerminationResult{
			Reason:  ReasonOperationTerminated,
			Message: "handler returned while an operation was suspended",
		})
	}

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer dcancel()
	if err := exec.cp.Drain(dctx); err != nil {
		cfg.logger.Warn("checkpoints not drained", "execution_arn", arn, "error", err)
	}

	out, err := buildOutput(exec, cfg, returned, res)
	status := "ERROR"
	if out != nil {
		status = string(out.Status)
	}
	exec.emit(emit.Event{Msg: emit.MsgInvocationCompleted, Meta: map[string]interface{}{
		"status": status, "duration_ms": time.Since(began).Milliseconds(),
	}})
	cfg.logger.Log(ctx, levelFor(out, err), "invocation finished",
		"execution_arn", arn, "status", status, "duration", time.Since(began))
	return out, err
}

func buildOutput[O any](exec *execution, cfg *runConfig, returned bool, res handlerResult[O]) (*InvocationOutput, error) {
	if r, ok := exec.term.Result(); ok {
		return terminationOutput(r)
	}
	if !returned {
		return nil, exec.ctx.Err()
	}

	if res.err != nil {
		return &InvocationOutput{Status: InvocationFailed, Error: ToErrorObject(res.err, ErrorKindStep)}, nil
	}

	execOp := exec.index.Execution()
	sc := SerdesContext{EntityID: execOp.ID, DurableExecutionArn: exec.arn}
	payload, err := serialize(defaultSerdes[O](cfg.codec), sc, "result", res.value)
	if err != nil {
		return nil, &TerminationError{Reason: ReasonSerdesFailed, Message: err.Error(), Err: err}
	}
	if payload == nil {
		return &InvocationOutput{Status: InvocationSucceeded}, nil
	}
	if len(*payload) <= cfg.maxResultSize {
		return &InvocationOutput{Status: InvocationSucceeded, Result: *payload}, nil
	}

	// Too large to return inline: record it on the execution instead.
	err = exec.cp.Checkpoint(context.WithoutCancel(exec.ctx), OperationUpdate{
		ID:      execOp.ID,
		Type:    OperationTypeExecution,
		Action:  ActionSucceed,
		Payload: payload,
	})
	if err != nil {
		return nil, &TerminationError{Reason: ReasonCheckpointFailed, Message: err.Error(), Err: err}
	}
	return &InvocationOutput{Status: InvocationSucceeded}, nil
}

// terminationOutput maps a termination onto the invocation result.
// Suspensions are PENDING. Faults that replaying cannot fix fail the
// execution; the rest fail the invocation so the host retries it.
func terminationOutput(r TerminationResult) (*InvocationOutput, error) {
	if !r.Reason.Fatal() {
		return &InvocationOutput{Status: InvocationPending}, nil
	}
	failExecution := &InvocationOutput{
		Status: InvocationFailed,
		Error:  &ErrorObject{ErrorType: string(r.Reason), ErrorMessage: r.Message},
	}
	switch r.Reason {
	case ReasonNonDeterministic, ReasonContextValidationError:
		return failExecution, nil
	case ReasonCheckpointFailed:
		var ce *CheckpointError
		if errors.As(r.Err, &ce) && ce.Scope == CheckpointScopeExecution {
			return failExecution, nil
		}
	}
	return nil, &TerminationError{Reason: r.Reason, Message: r.Message, Err: r.Err}
}

func levelFor(out *InvocationOutput, err error) slog.Level {
	switch {
	case err != nil:
		return slog.LevelError
	case out.Status == InvocationFailed:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// loadState returns every operation of the execution, following pagination.
func loadState(ctx context.Context, client LogClient, in InvocationInput) ([]Operation, error) {
	ops := append([]Operation(nil), in.InitialExecutionState.Operations...)
	marker := in.InitialExecutionState.NextMarker
	for marker != "" {
		resp, err := client.GetExecutionState(ctx, StateRequest{
			DurableExecutionArn: in.DurableExecutionArn,
			CheckpointToken:     in.CheckpointToken,
			Marker:              marker,
		})
		if err != nil {
			return nil, fmt.Errorf("load execution state: %w", err)
		}
		ops = append(ops, resp.Operations...)
		marker = resp.NextMarker
	}
	return ops, nil
}
