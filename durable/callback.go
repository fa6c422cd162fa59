package durable

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/durable-go/durable/emit"
)

// CallbackConfig configures CreateCallback. Timeouts are enforced by the
// durable log, which records TIMED_OUT when they elapse.
type CallbackConfig[T any] struct {
	Timeout          Duration
	HeartbeatTimeout Duration
	// Serdes decodes the submitted result. Default: passthrough for string
	// results, the handler's codec otherwise.
	Serdes Serdes[T]
}

// Callback is a registered callback. External systems complete it by id
// through the durable log's callback API.
type Callback[T any] struct {
	// ID is handed to the external system.
	ID string

	once   sync.Once
	future *Future[T]
	init   func() *Future[T]
}

// Await waits for the external system to report the result.
func (c *Callback[T]) Await(ctx context.Context) (T, error) {
	return c.resultFuture().Await(ctx)
}

// Result is Await returning the full outcome.
func (c *Callback[T]) Result(ctx context.Context) Outcome[T] {
	return c.resultFuture().Result(ctx)
}

func (c *Callback[T]) resultFuture() *Future[T] {
	c.once.Do(func() { c.future = c.init() })
	return c.future
}

// CreateCallback registers a callback and resolves to its handle once the
// durable log has assigned an id. Awaiting the handle waits for the result.
//
//	cb, err := durable.CreateCallback[Approval](dc, "approval").Await(dc)
//	if err != nil {
//		return err
//	}
//	notify(cb.ID)
//	approval, err := cb.Await(dc)
func CreateCallback[T any](dc *Context, name string, cfg ...CallbackConfig[T]) *Future[*Callback[T]] {
	var c CallbackConfig[T]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Serdes == nil {
		c.Serdes = defaultCallbackSerdes[T](dc.exec.cfg.codec)
	}
	for _, d := range []Duration{c.Timeout, c.HeartbeatTimeout} {
		if err := d.Validate(); err != nil {
			return resolvedFuture(dc, failed[*Callback[T]](err))
		}
	}

	h, se := dc.begin(OperationTypeCallback, SubTypeCallback, name)
	if se != nil {
		return resolvedFuture(dc, suspended[*Callback[T]](se))
	}
	return newFuture(dc, h.id, false, func() Outcome[*Callback[T]] {
		return runCreateCallback(h, c)
	})
}

func runCreateCallback[T any](h *opHandle, c CallbackConfig[T]) Outcome[*Callback[T]] {
	dc := h.dc
	for {
		if se := dc.suspendedOutcome(); se != nil {
			return suspended[*Callback[T]](se)
		}

		op := h.record()
		if op == nil {
			u := h.update(ActionStart)
			if c.Timeout.TotalSeconds() > 0 || c.HeartbeatTimeout.TotalSeconds() > 0 {
				u.CallbackOptions = &CallbackOptions{
					TimeoutSeconds:          c.Timeout.TotalSeconds(),
					HeartbeatTimeoutSeconds: c.HeartbeatTimeout.TotalSeconds(),
				}
			}
			if err := h.checkpoint(u); err != nil {
				return suspended[*Callback[T]](h.failCheckpoint(err))
			}
			h.emit(emit.MsgOperationStarted, 0, nil)
			continue
		}

		if op.CallbackDetails == nil || op.CallbackDetails.CallbackID == "" {
			// The id is assigned by the log; wait for the record to carry it.
			if dc.waitBeforeContinue(continueOptions{opID: h.id, poll: true}) {
				return suspended[*Callback[T]](dc.terminate(ReasonCallbackPending,
					fmt.Sprintf("callback %s has no id yet", describeOp(h)), nil))
			}
			continue
		}

		cb := &Callback[T]{ID: op.CallbackDetails.CallbackID}
		cb.init = func() *Future[T] {
			return newOpFuture(h, false, func() Outcome[T] {
				return runCallbackResult(h, c.Serdes)
			})
		}
		return completed(cb)
	}
}

func runCallbackResult[T any](h *opHandle, serdes Serdes[T]) Outcome[T] {
	dc := h.dc
	for {
		if se := dc.suspendedOutcome(); se != nil {
			return suspended[T](se)
		}

		op := h.record()
		status := OperationStatus("")
		if op != nil {
			status = op.Status
		}
		switch status {
		case StatusSucceeded:
			var payload *string
			if op.CallbackDetails != nil {
				payload = op.CallbackDetails.Result
			}
			v, err := deserialize(serdes, h.serdes(), h.name, payload)
			if err != nil {
				return suspended[T](dc.terminate(ReasonSerdesFailed, err.Error(), err))
			}
			return completed(v)

		case StatusFailed, StatusTimedOut, StatusStopped, StatusCancelled:
			var obj *ErrorObject
			if op.CallbackDetails != nil {
				obj = op.CallbackDetails.Error
			}
			msg := "Callback failed"
			if status == StatusTimedOut {
				msg = "Callback timed out"
			}
			opErr := ErrorFromObject(obj, ErrorKindCallback, msg)
			opErr.Kind = ErrorKindCallback
			return failed[T](opErr)

		default:
			if dc.waitBeforeContinue(continueOptions{opID: h.id, poll: true}) {
				return suspended[T](dc.terminate(ReasonCallbackPending,
					fmt.Sprintf("callback %s is waiting for an external result", describeOp(h)), nil))
			}
		}
	}
}

// WaitForCallbackConfig configures WaitForCallback.
type WaitForCallbackConfig[T any] struct {
	Timeout          Duration
	HeartbeatTimeout Duration
	// Retry applies to the submitter. Default: RetryPresets.Default.
	Retry  RetryStrategy
	Serdes Serdes[T]
}

// WaitForCallback registers a callback, hands its id to submitter inside a
// durable step and waits for the result. The three operations run in a
// child context, so a replay never submits twice.
func WaitForCallback[T any](dc *Context, name string, submitter func(sc StepContext, callbackID string) error, cfg ...WaitForCallbackConfig[T]) *Future[T] {
	var c WaitForCallbackConfig[T]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Serdes == nil {
		c.Serdes = defaultCallbackSerdes[T](dc.exec.cfg.codec)
	}

	body := func(child *Context) (T, error) {
		var zero T
		cb, err := CreateCallback(child, name, CallbackConfig[T]{
			Timeout:          c.Timeout,
			HeartbeatTimeout: c.HeartbeatTimeout,
			Serdes:           c.Serdes,
		}).Await(child)
		if err != nil {
			return zero, err
		}
		_, err = Step(child, "submitter", func(sc StepContext) (struct{}, error) {
			return struct{}{}, submitter(sc, cb.ID)
		}, StepConfig[struct{}]{Retry: c.Retry}).Await(child)
		if err != nil {
			return zero, err
		}
		return cb.Await(child)
	}

	return runInChildContext(dc, name, body, childOptions[T]{
		subType:      SubTypeWaitForCallback,
		serdes:       c.Serdes,
		preserveKind: true,
	})
}
