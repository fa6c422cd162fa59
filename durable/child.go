package durable

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/durable-go/durable/emit"
)

// ChildContextConfig configures RunInChildContext.
type ChildContextConfig[T any] struct {
	// SubType labels the CONTEXT operation. Default: RunInChildContext.
	SubType OperationSubType
	// Serdes converts the result. Default: the handler's codec.
	Serdes Serdes[T]
}

type childOptions[T any] struct {
	subType OperationSubType
	serdes  Serdes[T]
	// preserveKind records the kind of an operation error returned by the
	// body instead of wrapping it as a ChildContext error.
	preserveKind bool
}

// RunInChildContext runs fn in a nested scope whose operations are grouped
// under one CONTEXT operation. Once the scope succeeded its result is
// returned on replay without calling fn.
//
// Results larger than 256KB are not stored; the scope is marked to be
// re-run on replay instead, with every nested operation answered from the
// log.
func RunInChildContext[T any](dc *Context, name string, fn func(child *Context) (T, error), cfg ...ChildContextConfig[T]) *Future[T] {
	o := childOptions[T]{subType: SubTypeRunInChildContext}
	if len(cfg) > 0 {
		if cfg[0].SubType != "" {
			o.subType = cfg[0].SubType
		}
		o.serdes = cfg[0].Serdes
	}
	return runInChildContext(dc, name, fn, o)
}

func runInChildContext[T any](dc *Context, name string, fn func(*Context) (T, error), o childOptions[T]) *Future[T] {
	if o.serdes == nil {
		o.serdes = defaultSerdes[T](dc.exec.cfg.codec)
	}
	h, se := dc.begin(OperationTypeContext, o.subType, name)
	if se != nil {
		return resolvedFuture(dc, suspended[T](se))
	}
	return newOpFuture(h, true, func() Outcome[T] {
		return runChild(h, fn, o)
	})
}

func runChild[T any](h *opHandle, fn func(*Context) (T, error), o childOptions[T]) Outcome[T] {
	dc := h.dc
	if se := dc.suspendedOutcome(); se != nil {
		return suspended[T](se)
	}

	op := h.record()
	if op != nil {
		switch op.Status {
		case StatusSucceeded:
			if op.ContextDetails != nil && op.ContextDetails.ReplayChildren {
				return replayChild(h, fn)
			}
			var payload *string
			if op.ContextDetails != nil {
				payload = op.ContextDetails.Result
			}
			v, err := deserialize(o.serdes, h.serdes(), h.name, payload)
			if err != nil {
				return suspended[T](dc.terminate(ReasonSerdesFailed, err.Error(), err))
			}
			h.emit(emit.MsgOperationReplayed, 0, nil)
			return completed(v)

		case StatusFailed, StatusTimedOut, StatusStopped, StatusCancelled:
			var obj *ErrorObject
			if op.ContextDetails != nil {
				obj = op.ContextDetails.Error
			}
			return failed[T](ErrorFromObject(obj, ErrorKindChildContext, "Child context failed"))
		}
	}

	mode := ModeExecution
	if op != nil {
		mode = ModeReplay
	} else {
		dc.exec.cp.CheckpointAsync(h.update(ActionStart))
		h.emit(emit.MsgOperationStarted, 0, nil)
	}

	child := dc.child(h, mode)
	began := time.Now()
	v, err := callChild(child, fn)
	child.close()

	var se *SuspendError
	if errors.As(err, &se) {
		return suspended[T](se)
	}
	if child.suspended.Load() {
		if se := dc.suspendedOutcome(); se != nil {
			return suspended[T](se)
		}
		return suspended[T](&SuspendError{
			Reason:  ReasonOperationTerminated,
			Message: fmt.Sprintf("child context %s did not finish", describeOp(h)),
		})
	}

	if err != nil {
		opErr := childError(err, o.preserveKind)
		u := h.update(ActionFail)
		u.Error = opErr.ErrorObject()
		if cerr := h.checkpoint(u); cerr != nil {
			return suspended[T](h.failCheckpoint(cerr))
		}
		dc.exec.cfg.metrics.RecordOperationLatency(h.typ, string(StatusFailed), time.Since(began))
		h.emit(emit.MsgOperationFailed, 0, map[string]interface{}{"error": opErr.Message})
		return failed[T](opErr)
	}

	payload, serr := serialize(o.serdes, h.serdes(), h.name, v)
	if serr != nil {
		return suspended[T](dc.terminate(ReasonSerdesFailed, serr.Error(), serr))
	}
	u := h.update(ActionSucceed)
	u.Payload = payload
	if payload != nil && len(*payload) > childPayloadLimit {
		u.Payload = StringPtr("")
		u.ContextOptions = &ContextOptions{ReplayChildren: true}
	}
	if cerr := h.checkpoint(u); cerr != nil {
		return suspended[T](h.failCheckpoint(cerr))
	}
	dc.exec.cfg.metrics.RecordOperationLatency(h.typ, string(StatusSucceeded), time.Since(began))
	h.emit(emit.MsgOperationSucceeded, 0, map[string]interface{}{"duration_ms": time.Since(began).Milliseconds()})
	return completed(v)
}

// replayChild regenerates the result of a succeeded scope whose payload was
// too large to store. Nothing is checkpointed.
func replayChild[T any](h *opHandle, fn func(*Context) (T, error)) Outcome[T] {
	child := h.dc.child(h, ModeReplaySucceededContext)
	v, err := callChild(child, fn)
	child.close()

	var se *SuspendError
	if errors.As(err, &se) {
		return suspended[T](se)
	}
	if child.suspended.Load() {
		return suspended[T](&SuspendError{
			Reason:  ReasonOperationTerminated,
			Message: fmt.Sprintf("child context %s could not be replayed", describeOp(h)),
		})
	}
	if err != nil {
		return failed[T](childError(err, false))
	}
	return completed(v)
}

func callChild[T any](child *Context, fn func(*Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = WithStack(fmt.Errorf("child context %s panicked: %v", child.path, r))
		}
	}()
	return fn(child)
}

func childError(err error, preserveKind bool) *OperationError {
	var inner *OperationError
	if preserveKind && errors.As(err, &inner) {
		return &OperationError{Kind: inner.Kind, Message: inner.Message, Data: inner.Data, StackTrace: inner.StackTrace, Cause: err}
	}
	e := NewOperationError(ErrorKindChildContext, err)
	e.Kind = ErrorKindChildContext
	return e
}
