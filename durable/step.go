package durable

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/durable-go/durable/emit"
)

// StepSemantics controls when a step's START is made durable.
type StepSemantics int

const (
	// AtMostOncePerRetry waits for START before running the function. A step
	// found STARTED on replay was interrupted and counts as a failed attempt.
	AtMostOncePerRetry StepSemantics = iota
	// AtLeastOncePerRetry sends START without waiting and re-runs a step
	// found STARTED on replay.
	AtLeastOncePerRetry
)

// StepFunc is the side-effecting body of a step.
type StepFunc[T any] func(sc StepContext) (T, error)

// StepConfig configures Step. Zero fields take defaults.
type StepConfig[T any] struct {
	// Retry decides whether a failed attempt is retried.
	// Default: RetryPresets.Default.
	Retry RetryStrategy
	// Semantics default to AtMostOncePerRetry.
	Semantics StepSemantics
	// Serdes converts the result. Default: the handler's codec.
	Serdes Serdes[T]
}

// stepOptions is the resolved configuration of a step.
type stepOptions[T any] struct {
	retry     RetryStrategy
	semantics StepSemantics
	serdes    Serdes[T]
	// tracked steps count as running work while their function executes.
	tracked bool
}

func resolveStepConfig[T any](dc *Context, cfg []StepConfig[T]) stepOptions[T] {
	o := stepOptions[T]{
		retry:   RetryPresets.Default,
		serdes:  defaultSerdes[T](dc.exec.cfg.codec),
		tracked: true,
	}
	if len(cfg) > 0 {
		c := cfg[0]
		if c.Retry != nil {
			o.retry = c.Retry
		}
		o.semantics = c.Semantics
		if c.Serdes != nil {
			o.serdes = c.Serdes
		}
	}
	return o
}

// Step runs fn at most once per successful outcome and records its result.
// On replay the recorded result is returned without calling fn.
//
// A failing fn is retried according to the retry strategy. Each retry is
// checkpointed before the delay starts, so the invocation may be suspended
// in between and the attempt count survives restarts.
//
//	total, err := durable.Step(dc, "sum", func(sc durable.StepContext) (int, error) {
//		return add(sc, a, b)
//	}).Await(dc)
func Step[T any](dc *Context, name string, fn StepFunc[T], cfg ...StepConfig[T]) *Future[T] {
	return step(dc, name, SubTypeStep, fn, resolveStepConfig(dc, cfg), true)
}

func step[T any](dc *Context, name string, sub OperationSubType, fn StepFunc[T], o stepOptions[T], scoped bool) *Future[T] {
	h, se := dc.begin(OperationTypeStep, sub, name)
	if se != nil {
		return resolvedFuture(dc, suspended[T](se))
	}
	return newOpFuture(h, scoped, func() Outcome[T] {
		return runStep(h, fn, o)
	})
}

func runStep[T any](h *opHandle, fn StepFunc[T], o stepOptions[T]) Outcome[T] {
	dc := h.dc
	for {
		if se := dc.suspendedOutcome(); se != nil {
			return suspended[T](se)
		}

		op := h.record()
		if op == nil {
			if out, again := executeStep(h, fn, o, 1, true); !again {
				return out
			}
			continue
		}

		attempt := 1
		if op.StepDetails != nil {
			attempt = op.StepDetails.Attempt + 1
		}

		switch op.Status {
		case StatusSucceeded:
			var payload *string
			if op.StepDetails != nil {
				payload = op.StepDetails.Result
			}
			v, err := deserialize(o.serdes, h.serdes(), h.name, payload)
			if err != nil {
				return suspended[T](dc.terminate(ReasonSerdesFailed, err.Error(), err))
			}
			h.emit(emit.MsgOperationReplayed, 0, nil)
			return completed(v)

		case StatusFailed, StatusTimedOut, StatusStopped, StatusCancelled:
			var obj *ErrorObject
			if op.StepDetails != nil {
				obj = op.StepDetails.Error
			}
			return failed[T](ErrorFromObject(obj, ErrorKindStep, "Unknown error"))

		case StatusPending:
			next := NextDue(op)
			if !next.IsZero() && !dc.exec.cfg.clock.Now().Before(next) {
				dc.exec.cp.Force(dc.exec.ctx)
				if h.record().Status != StatusPending {
					continue
				}
				// Due but not promoted by the log: run the attempt.
				if out, again := executeStep(h, fn, o, attempt, true); !again {
					return out
				}
				continue
			}
			if dc.waitBeforeContinue(continueOptions{opID: h.id, resumeAt: next}) {
				return suspended[T](dc.terminateAt(ReasonRetryScheduled,
					fmt.Sprintf("retry of step %s scheduled", describeOp(h)), nil, next))
			}

		case StatusReady:
			if out, again := executeStep(h, fn, o, attempt, true); !again {
				return out
			}

		case StatusStarted:
			if o.semantics == AtLeastOncePerRetry {
				if out, again := executeStep(h, fn, o, attempt, false); !again {
					return out
				}
				continue
			}
			dc.logger.Warn("step interrupted before reporting an outcome",
				"operation_id", h.id, "operation_name", h.name, "attempt", attempt)
			if out, again := handleStepFailure(h, o, attempt, ErrStepInterrupted); !again {
				return out
			}

		default:
			return failed[T](fmt.Errorf("%w: step %s has unknown status %q", ErrInvalidUpdate, h.id, op.Status))
		}
	}
}

// executeStep runs one attempt. It reports again=true when the step must be
// re-read, after a retry was checkpointed.
func executeStep[T any](h *opHandle, fn StepFunc[T], o stepOptions[T], attempt int, start bool) (Outcome[T], bool) {
	dc := h.dc
	if start {
		u := h.update(ActionStart)
		if o.semantics == AtLeastOncePerRetry {
			dc.exec.cp.CheckpointAsync(u)
		} else if err := h.checkpoint(u); err != nil {
			return suspended[T](h.failCheckpoint(err)), false
		}
		h.emit(emit.MsgOperationStarted, attempt, nil)
	}

	began := time.Now()
	v, err := callStep(h, fn, attempt, o.tracked)
	if err == nil {
		payload, serr := serialize(o.serdes, h.serdes(), h.name, v)
		if serr != nil {
			return suspended[T](dc.terminate(ReasonSerdesFailed, serr.Error(), serr)), false
		}
		u := h.update(ActionSucceed)
		u.Payload = payload
		if cerr := h.checkpoint(u); cerr != nil {
			return suspended[T](h.failCheckpoint(cerr)), false
		}
		dc.exec.cfg.metrics.RecordOperationLatency(h.typ, string(StatusSucceeded), time.Since(began))
		h.emit(emit.MsgOperationSucceeded, attempt, map[string]interface{}{"duration_ms": time.Since(began).Milliseconds()})
		return completed(v), false
	}

	var se *SuspendError
	if errors.As(err, &se) {
		return suspended[T](se), false
	}
	dc.exec.cfg.metrics.RecordOperationLatency(h.typ, string(StatusFailed), time.Since(began))
	return handleStepFailure(h, o, attempt, err)
}

func handleStepFailure[T any](h *opHandle, o stepOptions[T], attempt int, err error) (Outcome[T], bool) {
	dc := h.dc
	dec := o.retry(err, attempt)
	if dec.ShouldRetry {
		delay := dec.Delay.TotalSeconds()
		if delay < 1 {
			delay = 1
		}
		u := h.update(ActionRetry)
		u.Error = ToErrorObject(err, ErrorKindStep)
		u.StepOptions = &StepOptions{NextAttemptDelaySeconds: delay}
		if cerr := h.checkpoint(u); cerr != nil {
			return suspended[T](h.failCheckpoint(cerr)), false
		}
		dc.exec.cfg.metrics.IncrementRetries(h.typ)
		dc.logger.Info("step attempt failed, retrying",
			"operation_id", h.id, "operation_name", h.name, "attempt", attempt, "delay_seconds", delay, "error", err)
		h.emit(emit.MsgStepRetry, attempt, map[string]interface{}{"delay_seconds": delay, "error": err.Error()})
		return Outcome[T]{}, true
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		opErr = NewOperationError(ErrorKindStep, err)
	} else if opErr != err {
		opErr = &OperationError{Kind: opErr.Kind, Message: opErr.Message, Data: opErr.Data, StackTrace: opErr.StackTrace, Cause: err}
	}
	u := h.update(ActionFail)
	u.Error = opErr.ErrorObject()
	if cerr := h.checkpoint(u); cerr != nil {
		return suspended[T](h.failCheckpoint(cerr)), false
	}
	h.emit(emit.MsgOperationFailed, attempt, map[string]interface{}{"error": opErr.Message})
	return failed[T](opErr), false
}

// callStep runs fn, converting a panic into an error.
func callStep[T any](h *opHandle, fn StepFunc[T], attempt int, tracked bool) (v T, err error) {
	tracker := h.dc.exec.tracker
	if tracked {
		tracker.Increment()
		defer tracker.Decrement()
	}
	defer func() {
		if r := recover(); r != nil {
			err = WithStack(fmt.Errorf("step %s panicked: %v", describeOp(h), r))
		}
	}()
	return fn(newStepContext(h, attempt))
}

func describeOp(h *opHandle) string {
	if h.name != "" {
		return fmt.Sprintf("%q (%s)", h.name, h.path)
	}
	return h.path
}
