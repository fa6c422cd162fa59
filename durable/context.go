package durable

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/durable-go/durable/emit"
)

// Mode says whether a scope is re-traversing recorded history.
type Mode int32

const (
	// ModeExecution runs operations that have no record yet.
	ModeExecution Mode = iota
	// ModeReplay short-circuits recorded operations. A scope leaves replay at
	// the first operation with no record, or as soon as its last recorded
	// operation has produced an outcome.
	ModeReplay
	// ModeReplaySucceededContext re-runs the body of a child context that
	// already succeeded, to regenerate a result too large to store. Operations
	// with no record never run in this mode.
	ModeReplaySucceededContext
)

func (m Mode) String() string {
	switch m {
	case ModeReplay:
		return "REPLAY"
	case ModeReplaySucceededContext:
		return "REPLAY_SUCCEEDED_CONTEXT"
	}
	return "EXECUTION"
}

// execution is the shared state of one invocation.
type execution struct {
	ctx     context.Context
	arn     string
	cfg     *runConfig
	index   *operationIndex
	tracker *activeTracker
	term    *terminationManager
	sched   *scheduler
	cp      *checkpointManager

	// awaiting counts handlers blocked in waitBeforeContinue.
	awaiting atomic.Int32
	finished chan struct{}
}

func (e *execution) emit(ev emit.Event) {
	ev.ExecutionArn = e.arn
	e.cfg.emitter.Emit(ev)
}

// requestTermination ends the invocation. Fatal reasons terminate at once;
// suspensions wait until no step function or checkpoint is in flight.
func (e *execution) requestTermination(r TerminationResult) {
	if e.term.Terminated() {
		return
	}
	if r.Reason.Fatal() || !e.tracker.HasActive() {
		e.terminateNow(r)
		return
	}
	drained := e.tracker.Drained()
	go func() {
		select {
		case <-drained:
			e.terminateNow(r)
		case <-e.term.Done():
		case <-e.finished:
		}
	}()
}

func (e *execution) terminateNow(r TerminationResult) {
	e.cp.setTerminating()
	if !e.term.Terminate(r) {
		return
	}
	e.cfg.metrics.IncrementSuspensions(r.Reason)
	msg := emit.MsgSuspended
	level := slog.LevelInfo
	if r.Reason.Fatal() {
		msg = emit.MsgTerminated
		level = slog.LevelError
	}
	e.cfg.logger.Log(e.ctx, level, "invocation terminated",
		"execution_arn", e.arn, "reason", r.Reason, "message", r.Message)
	e.emit(emit.Event{Msg: msg, Meta: map[string]interface{}{"reason": string(r.Reason), "message": r.Message}})
}

// onIdle runs when the scheduler has had no resolver for a whole warmup
// window. Handlers still blocked at that point can only make progress in a
// later invocation.
func (e *execution) onIdle() {
	if e.tracker.Count() == 0 && e.awaiting.Load() > 0 {
		e.requestTermination(TerminationResult{
			Reason:  ReasonOperationTerminated,
			Message: "no pending work left in this invocation",
		})
	}
}

// Context is the explicit durable scope handed to workflow code.
//
// Every operation is created from a Context and gets its id from the
// Context's position: the n-th operation created on the scope "3" has the
// path "3-n". A Context is also a context.Context carrying the invocation's
// cancellation.
//
// A Context must only be used by the function it was handed to. Creating an
// operation on a Context after that function returned, or while one of its
// step functions or child scopes is being awaited, terminates the invocation
// with CONTEXT_VALIDATION_ERROR.
type Context struct {
	context.Context

	exec   *execution
	parent *Context
	path   string
	opID   string
	logger *slog.Logger

	mode atomic.Int32
	mu   sync.Mutex
	seq  int

	busy      atomic.Int32
	closed    atomic.Bool
	suspended atomic.Bool
}

func newRootContext(exec *execution, mode Mode) *Context {
	dc := &Context{Context: exec.ctx, exec: exec}
	dc.mode.Store(int32(mode))
	dc.logger = dc.scopedLogger().With("execution_arn", exec.arn)
	return dc
}

// child opens the scope of the CONTEXT operation h.
func (dc *Context) child(h *opHandle, mode Mode) *Context {
	c := &Context{
		Context: dc.Context,
		exec:    dc.exec,
		parent:  dc,
		path:    h.path,
		opID:    h.id,
	}
	c.mode.Store(int32(mode))
	c.logger = c.scopedLogger().With("execution_arn", dc.exec.arn, "context_id", h.path)
	return c
}

func (dc *Context) scopedLogger() *slog.Logger {
	base := dc.exec.cfg.logger
	if !dc.exec.cfg.modeAware {
		return base
	}
	return slog.New(newModeAwareHandler(base.Handler(), dc.replaying))
}

// Logger returns the scope's logger. Records below Warn are dropped while the
// scope replays.
func (dc *Context) Logger() *slog.Logger { return dc.logger }

// Mode returns the current replay mode of the scope.
func (dc *Context) Mode() Mode { return Mode(dc.mode.Load()) }

func (dc *Context) setMode(m Mode) { dc.mode.Store(int32(m)) }

func (dc *Context) replaying() bool { return dc.Mode() != ModeExecution }

// ExecutionArn identifies the durable execution.
func (dc *Context) ExecutionArn() string { return dc.exec.arn }

// ContextID is the unhashed path of the scope, "" at the root.
func (dc *Context) ContextID() string { return dc.path }

func (dc *Context) close() { dc.closed.Store(true) }

// opHandle is the identity of one operation, fixed at construction.
type opHandle struct {
	dc       *Context
	id       string
	path     string
	seq      int
	parentID string
	name     string
	typ      OperationType
	sub      OperationSubType
}

func (h *opHandle) update(action OperationAction) OperationUpdate {
	return OperationUpdate{
		ID:       h.id,
		ParentID: h.parentID,
		Name:     namePtr(h.name),
		Type:     h.typ,
		SubType:  h.sub,
		Action:   action,
	}
}

func (h *opHandle) record() *Operation { return h.dc.exec.index.Get(h.id) }

// settled runs when the operation produced a completed or failed outcome.
// A replaying scope whose next position has no record has consumed its
// history: the code that follows runs for the first time.
func (h *opHandle) settled() {
	dc := h.dc
	if dc.Mode() != ModeReplay {
		return
	}
	if dc.exec.index.Get(HashID(StepPath(dc.path, h.seq+1))) == nil {
		dc.setMode(ModeExecution)
	}
}

func (h *opHandle) serdes() SerdesContext {
	return SerdesContext{EntityID: h.id, DurableExecutionArn: h.dc.exec.arn}
}

func (h *opHandle) emit(msg string, attempt int, meta map[string]interface{}) {
	h.dc.exec.emit(emit.Event{
		OperationID:   h.id,
		OperationType: string(h.typ),
		Name:          h.name,
		Attempt:       attempt,
		Msg:           msg,
		Meta:          meta,
	})
}

func (h *opHandle) checkpoint(u OperationUpdate) error {
	return h.dc.exec.cp.Checkpoint(h.dc.exec.ctx, u)
}

// failCheckpoint converts a failed append into a suspension. The checkpoint
// manager has already requested termination for the failure itself.
func (h *opHandle) failCheckpoint(err error) *SuspendError {
	if r, ok := h.dc.exec.term.Result(); ok {
		return &SuspendError{Reason: r.Reason, Message: r.Message}
	}
	return h.dc.terminate(ReasonCheckpointFailed, err.Error(), err)
}

// begin runs the synchronous first phase of every operation: validate the
// scope, allocate the id, update the mode and check the recorded identity.
// It never writes to the durable log.
func (dc *Context) begin(typ OperationType, sub OperationSubType, name string) (*opHandle, *SuspendError) {
	if dc.closed.Load() {
		err := &ContextValidationError{ContextID: dc.path, Err: ErrContextClosed}
		return nil, dc.terminate(ReasonContextValidationError, err.Error(), err)
	}
	if dc.busy.Load() > 0 {
		err := &ContextValidationError{ContextID: dc.path, Err: ErrContextBusy}
		return nil, dc.terminate(ReasonContextValidationError, err.Error(), err)
	}

	dc.mu.Lock()
	dc.seq++
	seq := dc.seq
	dc.mu.Unlock()

	path := StepPath(dc.path, seq)
	h := &opHandle{
		dc:       dc,
		id:       HashID(path),
		path:     path,
		seq:      seq,
		parentID: dc.opID,
		name:     name,
		typ:      typ,
		sub:      sub,
	}

	rec := dc.exec.index.Get(h.id)
	switch dc.Mode() {
	case ModeReplay:
		if rec == nil {
			dc.setMode(ModeExecution)
		}
	case ModeReplaySucceededContext:
		if rec == nil {
			dc.suspended.Store(true)
			return nil, &SuspendError{
				Reason:  ReasonOperationTerminated,
				Message: fmt.Sprintf("operation %s has no record in a completed context", path),
			}
		}
	}

	if nd := validateReplay(h.id, operationIdentity{Type: typ, SubType: sub, Name: namePtr(name)}, rec); nd != nil {
		dc.exec.cfg.metrics.IncrementReplayMismatches()
		h.emit(emit.MsgReplayMismatch, 0, map[string]interface{}{
			"field": nd.Field, "expected": nd.Expected, "actual": nd.Actual,
		})
		return nil, dc.terminate(ReasonNonDeterministic, nd.Error(), nd)
	}
	return h, nil
}

// terminate requests the end of the invocation and returns the suspension
// the caller hands back to user code.
func (dc *Context) terminate(reason TerminationReason, msg string, cause error) *SuspendError {
	return dc.terminateAt(reason, msg, cause, time.Time{})
}

// terminateAt is terminate for a suspension that becomes due at resumeAt.
//
// A suspension raised inside a scope whose operation, or an enclosing one,
// has already finished does not end the invocation: that work was abandoned
// when the scope completed, and only the branch is stopped.
func (dc *Context) terminateAt(reason TerminationReason, msg string, cause error, resumeAt time.Time) *SuspendError {
	se := &SuspendError{Reason: reason, Message: msg, ResumeAt: resumeAt}
	if !reason.Fatal() && dc.ancestorFinished() {
		return se
	}
	dc.exec.requestTermination(TerminationResult{Reason: reason, Message: msg, Err: cause})
	return se
}

func (dc *Context) ancestorFinished() bool {
	idx := dc.exec.index
	for c := dc; c != nil && c.opID != ""; c = c.parent {
		if idx.HasPendingCompletion(c.opID) {
			return true
		}
		switch idx.Status(c.opID) {
		case StatusSucceeded, StatusFailed:
			return true
		}
	}
	return false
}

// suspendedOutcome reports the current termination to a waiting handler.
func (dc *Context) suspendedOutcome() *SuspendError {
	if r, ok := dc.exec.term.Result(); ok {
		return &SuspendError{Reason: r.Reason, Message: r.Message}
	}
	if err := dc.exec.ctx.Err(); err != nil {
		return &SuspendError{Reason: ReasonOperationTerminated, Message: err.Error()}
	}
	return nil
}

// StepContext is handed to step functions. It carries the invocation's
// cancellation, a logger tagged with the operation and the attempt number.
type StepContext struct {
	context.Context

	logger      *slog.Logger
	attempt     int
	operationID string
}

func newStepContext(h *opHandle, attempt int) StepContext {
	logger := h.dc.logger.With("operation_id", h.id, "attempt", attempt)
	if h.name != "" {
		logger = logger.With("operation_name", h.name)
	}
	return StepContext{
		Context:     h.dc.exec.ctx,
		logger:      logger,
		attempt:     attempt,
		operationID: h.id,
	}
}

// Logger returns a logger tagged with the operation id, name and attempt.
func (sc StepContext) Logger() *slog.Logger { return sc.logger }

// Attempt is the 1-based attempt number, counted by the durable log.
func (sc StepContext) Attempt() int { return sc.attempt }

// OperationID is the hashed id of the running operation.
func (sc StepContext) OperationID() string { return sc.operationID }
