// Package oplog is an in-process durable log. It implements
// durable.LogClient over a store.Store and adds the control surface a host
// needs: starting executions and invocations, completing callbacks and
// firing timers.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// DefaultPageSize is the number of operations returned per state page.
const DefaultPageSize = 1000

// ErrCallbackNotFound is returned for an unknown callback id.
var ErrCallbackNotFound = errors.New("callback not found")

// ErrExecutionClosed is returned when work is requested for an execution
// that already succeeded or failed.
var ErrExecutionClosed = errors.New("execution already completed")

// Log is the authoritative durable log of a set of executions.
//
// Writes to one execution are serialized; different executions proceed
// independently. Every accepted checkpoint rotates the execution's token, so
// a client holding a stale token is rejected with
// durable.ErrInvalidCheckpointToken.
//
// Log is safe for concurrent use.
type Log struct {
	store    store.Store
	clock    durable.Clock
	logger   *slog.Logger
	emitter  emit.Emitter
	pageSize int
	newID    func() string

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	watchers  map[string]chan struct{}
	polled    map[string][]durable.Operation
	versions  map[string]uint64
	functions map[string]durable.InvocationHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the time source used for timestamps and timers.
func WithClock(c durable.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithEmitter sets the event emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(l *Log) { l.emitter = e }
}

// WithPageSize sets the default number of operations per state page.
func WithPageSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithIDGenerator replaces uuid generation for execution, invocation and
// callback ids and for tokens.
func WithIDGenerator(fn func() string) Option {
	return func(l *Log) { l.newID = fn }
}

// New creates a Log on top of st.
//
// Example:
//
//	log := oplog.New(store.NewMemStore(), oplog.WithLogger(logger))
//	defer log.Close()
//	handler, _ := durable.WithDurableExecution(workflow, durable.WithLogClient(log))
//	res, err := oplog.NewRunner(log, handler).Run(ctx, oplog.StartExecutionRequest{FunctionName: "orders"})
func New(st store.Store, opts ...Option) *Log {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		store:     st,
		clock:     durable.SystemClock{},
		logger:    slog.New(slog.DiscardHandler),
		emitter:   emit.NewNullEmitter(),
		pageSize:  DefaultPageSize,
		newID:     func() string { return uuid.NewString() },
		locks:     make(map[string]*sync.Mutex),
		watchers:  make(map[string]chan struct{}),
		polled:    make(map[string][]durable.Operation),
		versions:  make(map[string]uint64),
		functions: make(map[string]durable.InvocationHandler),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Close stops chained invocations started by the log and waits for them.
// The store is left open.
func (l *Log) Close() error {
	l.cancel()
	l.wg.Wait()
	return nil
}

// Store returns the underlying store.
func (l *Log) Store() store.Store { return l.store }

// lock serializes writes to one execution.
func (l *Log) lock(arn string) func() {
	l.mu.Lock()
	m, ok := l.locks[arn]
	if !ok {
		m = &sync.Mutex{}
		l.locks[arn] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Changes returns a channel closed at the next write to the execution.
func (l *Log) Changes(arn string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.watchers[arn]
	if !ok {
		ch = make(chan struct{})
		l.watchers[arn] = ch
	}
	return ch
}

// notify wakes watchers of arn and queues ops for Poll. external marks
// writes that did not come from the workflow's own checkpoints.
func (l *Log) notify(arn string, ops []durable.Operation, external bool) {
	if len(ops) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polled[arn] = mergeOperations(l.polled[arn], ops)
	if external {
		l.versions[arn]++
	}
	if ch, ok := l.watchers[arn]; ok {
		close(ch)
		delete(l.watchers, arn)
	}
}

// version counts the external writes to arn: callback completions, direct
// operation updates and fired timers.
func (l *Log) version(arn string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.versions[arn]
}

func (l *Log) emit(event emit.Event) {
	l.emitter.Emit(event)
}

// execution loads an execution, mapping store.ErrNotFound to
// durable.ErrExecutionNotFound.
func (l *Log) execution(ctx context.Context, arn string) (store.Execution, error) {
	exec, err := l.store.GetExecution(ctx, arn)
	if errors.Is(err, store.ErrNotFound) {
		return exec, fmt.Errorf("%w: %s", durable.ErrExecutionNotFound, arn)
	}
	return exec, err
}

// Execution returns the execution record.
func (l *Log) Execution(ctx context.Context, arn string) (store.Execution, error) {
	return l.execution(ctx, arn)
}

// ListExecutions returns executions, optionally filtered by status.
func (l *Log) ListExecutions(ctx context.Context, status store.ExecutionStatus) ([]store.Execution, error) {
	return l.store.ListExecutions(ctx, status)
}

// Operations returns every operation of the execution in creation order.
func (l *Log) Operations(ctx context.Context, arn string) ([]durable.Operation, error) {
	ops, err := l.store.Operations(ctx, arn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", durable.ErrExecutionNotFound, arn)
	}
	return ops, err
}

// Invocations returns the invocations of the execution in start order.
func (l *Log) Invocations(ctx context.Context, arn string) ([]store.Invocation, error) {
	if _, err := l.execution(ctx, arn); err != nil {
		return nil, err
	}
	return l.store.Invocations(ctx, arn)
}

// Checkpoint appends a batch of updates under optimistic concurrency.
//
// The batch is applied atomically: if any update is rejected nothing is
// written and the token is not rotated. The response carries the new token
// and the records changed by the batch.
func (l *Log) Checkpoint(ctx context.Context, req durable.CheckpointRequest) (*durable.CheckpointResponse, error) {
	arn := req.DurableExecutionArn
	unlock := l.lock(arn)
	defer unlock()

	exec, err := l.execution(ctx, arn)
	if err != nil {
		return nil, err
	}
	if exec.Token != req.CheckpointToken {
		return nil, fmt.Errorf("%w: execution %s", durable.ErrInvalidCheckpointToken, arn)
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionClosed, arn, exec.Status)
	}

	ops, err := l.store.Operations(ctx, arn)
	if err != nil {
		return nil, err
	}
	current := make(map[string]*durable.Operation, len(ops))
	for i := range ops {
		current[ops[i].ID] = &ops[i]
	}

	now := l.clock.Now()
	var (
		changed   []durable.Operation
		callbacks []store.Callback
		invokes   []chainedInvoke
		finished  *store.Execution
	)
	for _, u := range req.Updates {
		prev := current[u.ID]
		next, err := durable.ApplyUpdate(prev, u, now, l.newID)
		if err != nil {
			return nil, err
		}
		current[u.ID] = next
		changed = mergeOperations(changed, []durable.Operation{*next})

		if u.Action != durable.ActionStart || (prev != nil && prev.Status == durable.StatusStarted) {
			if u.Type == durable.OperationTypeExecution && next.Status.Terminal() {
				f := finishExecution(exec, next, u, now)
				finished = &f
			}
			continue
		}
		switch u.Type {
		case durable.OperationTypeCallback:
			callbacks = append(callbacks, newCallback(arn, next, u.CallbackOptions, now))
		case durable.OperationTypeChainedInvoke:
			if u.ChainedInvokeOptions != nil {
				invokes = append(invokes, chainedInvoke{
					parentArn:    arn,
					operationID:  next.ID,
					functionName: u.ChainedInvokeOptions.FunctionName,
					payload:      u.Payload,
				})
			}
		}
	}

	// Registrations precede the append, so every recorded CALLBACK can be
	// completed. The id of a registration left behind by a failed append is
	// never handed out.
	for _, cb := range callbacks {
		if err := l.store.SaveCallback(ctx, cb); err != nil {
			return nil, fmt.Errorf("register callback %s: %w", cb.ID, err)
		}
	}
	token := l.newID()
	err = l.store.Append(ctx, arn, &store.TokenSwap{From: req.CheckpointToken, To: token}, changed...)
	if errors.Is(err, store.ErrTokenMismatch) {
		return nil, fmt.Errorf("%w: execution %s", durable.ErrInvalidCheckpointToken, arn)
	}
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", arn, err)
	}
	if finished != nil {
		finished.Token = token
		if err := l.store.UpdateExecution(ctx, *finished); err != nil {
			return nil, fmt.Errorf("finish execution %s: %w", arn, err)
		}
		l.emitCompleted(*finished)
	}

	l.logger.Debug("checkpoint accepted", "execution_arn", arn, "updates", len(req.Updates))
	l.notify(arn, changed, false)
	for _, ci := range invokes {
		l.dispatch(ci)
	}

	return &durable.CheckpointResponse{
		CheckpointToken:   token,
		NewExecutionState: durable.ExecutionState{Operations: changed},
	}, nil
}

// GetExecutionState returns one page of the execution's operations. Due
// timers are fired first, so a caller always sees waits and retries that
// have elapsed. The marker is an opaque offset.
func (l *Log) GetExecutionState(ctx context.Context, req durable.StateRequest) (*durable.StateResponse, error) {
	arn := req.DurableExecutionArn
	unlock := l.lock(arn)
	defer unlock()

	if _, err := l.execution(ctx, arn); err != nil {
		return nil, err
	}
	if _, err := l.advanceLocked(ctx, arn); err != nil {
		return nil, err
	}
	ops, err := l.store.Operations(ctx, arn)
	if err != nil {
		return nil, err
	}

	offset := 0
	if req.Marker != "" {
		offset, err = strconv.Atoi(req.Marker)
		if err != nil || offset < 0 || offset > len(ops) {
			return nil, fmt.Errorf("%w: invalid marker %q", durable.ErrInvalidUpdate, req.Marker)
		}
	}
	page, next := paginate(ops, offset, l.limit(req.MaxItems))
	return &durable.StateResponse{Operations: page, NextMarker: next}, nil
}

func (l *Log) limit(maxItems int) int {
	if maxItems > 0 {
		return maxItems
	}
	return l.pageSize
}

func paginate(ops []durable.Operation, offset, limit int) ([]durable.Operation, string) {
	end := offset + limit
	if end >= len(ops) {
		return ops[offset:], ""
	}
	return ops[offset:end], strconv.Itoa(end)
}

// Poll returns the operations changed since the previous Poll of the
// execution, waiting until there is at least one or ctx is done.
func (l *Log) Poll(ctx context.Context, arn string) ([]durable.Operation, error) {
	if _, err := l.execution(ctx, arn); err != nil {
		return nil, err
	}
	for {
		changes := l.Changes(arn)
		l.mu.Lock()
		ops := l.polled[arn]
		delete(l.polled, arn)
		l.mu.Unlock()
		if len(ops) > 0 {
			return ops, nil
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// OperationUpdate resolves an operation from outside the workflow.
type OperationUpdate struct {
	// Status is the new status: SUCCEEDED, FAILED, TIMED_OUT, STOPPED,
	// CANCELLED, or READY for a scheduled retry.
	Status  durable.OperationStatus `json:"Status"`
	Payload *string                 `json:"Payload,omitempty"`
	Error   *durable.ErrorObject    `json:"Error,omitempty"`
}

// UpdateOperation resolves an operation directly. It is how chained invokes
// handled by another system, or stuck operations, are completed. The
// checkpoint token is not rotated.
func (l *Log) UpdateOperation(ctx context.Context, arn, operationID string, u OperationUpdate) (*durable.Operation, error) {
	unlock := l.lock(arn)
	defer unlock()

	exec, err := l.execution(ctx, arn)
	if err != nil {
		return nil, err
	}
	cur, err := l.store.Operation(ctx, arn, operationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", durable.ErrOperationNotFound, operationID)
	}
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	next, err := resolve(&cur, u, now)
	if err != nil {
		return nil, err
	}
	if err := l.store.Append(ctx, arn, nil, *next); err != nil {
		return nil, err
	}
	if next.Type == durable.OperationTypeExecution && next.Status.Terminal() {
		f := finishExecution(exec, next, durable.OperationUpdate{Payload: u.Payload, Error: u.Error}, now)
		if err := l.store.UpdateExecution(ctx, f); err != nil {
			return nil, err
		}
		l.emitCompleted(f)
	}

	l.emit(emit.Event{
		ExecutionArn: arn, OperationID: next.ID, OperationType: string(next.Type),
		Name: next.NameValue(), Msg: emit.MsgOperationUpdated,
		Meta: map[string]interface{}{"status": string(next.Status)},
	})
	l.notify(arn, []durable.Operation{*next}, true)
	return next, nil
}

// resolve applies an external status change to op.
func resolve(op *durable.Operation, u OperationUpdate, now time.Time) (*durable.Operation, error) {
	switch u.Status {
	case durable.StatusSucceeded:
		return durable.ApplyUpdate(op, durable.OperationUpdate{
			ID: op.ID, Type: op.Type, Action: durable.ActionSucceed, Payload: u.Payload,
		}, now, nil)
	case durable.StatusFailed:
		return durable.ApplyUpdate(op, durable.OperationUpdate{
			ID: op.ID, Type: op.Type, Action: durable.ActionFail, Error: u.Error,
		}, now, nil)
	case durable.StatusTimedOut, durable.StatusStopped, durable.StatusCancelled:
		if op.Status.Terminal() {
			return nil, fmt.Errorf("%w: operation %s is %s", durable.ErrOperationCompleted, op.ID, op.Status)
		}
		next := op.Clone()
		next.Status = u.Status
		next.EndTimestamp = durable.TimestampOf(now)
		setError(next, u.Error)
		return next, nil
	case durable.StatusReady:
		if op.Type != durable.OperationTypeStep || op.Status != durable.StatusPending {
			return nil, fmt.Errorf("%w: only a PENDING step can be made READY, %s is %s %s",
				durable.ErrInvalidUpdate, op.ID, op.Type, op.Status)
		}
		next := op.Clone()
		next.Status = durable.StatusReady
		return next, nil
	}
	return nil, fmt.Errorf("%w: cannot set status %q", durable.ErrInvalidUpdate, u.Status)
}

// setError stores e on the details of op's type.
func setError(op *durable.Operation, e *durable.ErrorObject) {
	if e == nil {
		return
	}
	switch op.Type {
	case durable.OperationTypeStep:
		if op.StepDetails == nil {
			op.StepDetails = &durable.StepDetails{}
		}
		op.StepDetails.Error = e
	case durable.OperationTypeCallback:
		if op.CallbackDetails == nil {
			op.CallbackDetails = &durable.CallbackDetails{}
		}
		op.CallbackDetails.Error = e
	case durable.OperationTypeChainedInvoke:
		if op.ChainedInvokeDetails == nil {
			op.ChainedInvokeDetails = &durable.ChainedInvokeDetails{}
		}
		op.ChainedInvokeDetails.Error = e
	case durable.OperationTypeContext:
		if op.ContextDetails == nil {
			op.ContextDetails = &durable.ContextDetails{}
		}
		op.ContextDetails.Error = e
	}
}

// finishExecution returns exec closed by the terminal EXECUTION record op.
func finishExecution(exec store.Execution, op *durable.Operation, u durable.OperationUpdate, now time.Time) store.Execution {
	exec.UpdatedAt = now
	if op.Status == durable.StatusSucceeded {
		exec.Status = store.ExecutionSucceeded
		exec.Result = u.Payload
		exec.Error = nil
		return exec
	}
	exec.Status = store.ExecutionFailed
	exec.Error = u.Error
	if exec.Error == nil {
		exec.Error = &durable.ErrorObject{ErrorType: string(op.Status), ErrorMessage: "execution " + string(op.Status)}
	}
	return exec
}

func (l *Log) emitCompleted(exec store.Execution) {
	meta := map[string]interface{}{"status": string(exec.Status)}
	if exec.Error != nil {
		meta["error"] = exec.Error.ErrorMessage
	}
	l.emit(emit.Event{ExecutionArn: exec.Arn, Msg: emit.MsgExecutionCompleted, Meta: meta})
	l.logger.Info("execution completed", "execution_arn", exec.Arn, "status", exec.Status)
}

// mergeOperations appends ops to list, replacing earlier records with the
// same id in place.
func mergeOperations(list, ops []durable.Operation) []durable.Operation {
	for _, op := range ops {
		replaced := false
		for i := range list {
			if list[i].ID == op.ID {
				list[i] = op
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, op)
		}
	}
	return list
}
