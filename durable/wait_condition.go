package durable

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/durable-go/durable/emit"
)

// WaitDecision is returned by a WaitStrategy after each check.
type WaitDecision struct {
	// ShouldContinue schedules another check after Delay.
	ShouldContinue bool
	Delay          Duration
}

// WaitStrategy decides whether to keep polling. attempt is the 1-based
// number of the check that produced state, counted by the durable log.
type WaitStrategy[S any] func(state S, attempt int) (WaitDecision, error)

// WaitForConditionConfig configures WaitForCondition.
type WaitForConditionConfig[S any] struct {
	// InitialState is passed to the first check.
	InitialState S
	// WaitStrategy is required.
	WaitStrategy WaitStrategy[S]
	// Serdes converts the state. Default: the handler's codec.
	Serdes Serdes[S]
	// StrictState terminates the invocation with SERDES_FAILED when the
	// recorded state is missing or cannot be decoded. By default the check
	// resumes from InitialState and a warning is logged.
	StrictState bool
}

// WaitStrategyConfig builds a WaitStrategy with exponential backoff.
type WaitStrategyConfig[S any] struct {
	// ShouldContinuePolling is required. Polling stops when it returns false.
	ShouldContinuePolling func(state S) bool
	// MaxAttempts caps the number of checks. Default: 60.
	MaxAttempts  int
	InitialDelay Duration
	MaxDelay     Duration
	BackoffRate  float64
	Jitter       JitterStrategy
	// Rand overrides the jitter source.
	Rand func() float64
}

// ErrWaitExhausted is returned by strategies built with NewWaitStrategy when
// the condition did not hold within MaxAttempts checks.
var ErrWaitExhausted = errors.New("wait for condition exceeded maximum attempts")

// NewWaitStrategy builds a strategy that polls until ShouldContinuePolling
// returns false, backing off like a retry strategy.
func NewWaitStrategy[S any](cfg WaitStrategyConfig[S]) WaitStrategy[S] {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	rc := RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		BackoffRate:  cfg.BackoffRate,
		Jitter:       cfg.Jitter,
		Rand:         cfg.Rand,
	}.withDefaults()
	if cfg.Jitter == "" {
		rc.Jitter = JitterNone
	}
	return func(state S, attempt int) (WaitDecision, error) {
		if cfg.ShouldContinuePolling == nil || !cfg.ShouldContinuePolling(state) {
			return WaitDecision{}, nil
		}
		if attempt >= maxAttempts {
			return WaitDecision{}, fmt.Errorf("%w (%d)", ErrWaitExhausted, maxAttempts)
		}
		return WaitDecision{ShouldContinue: true, Delay: Seconds(rc.delaySeconds(attempt))}, nil
	}
}

// WaitForCondition polls check until the strategy says stop. Each check
// receives the state returned by the previous one; the state is recorded
// with every poll, so a restarted invocation resumes from it.
func WaitForCondition[S any](dc *Context, name string, check func(sc StepContext, state S) (S, error), cfg WaitForConditionConfig[S]) *Future[S] {
	if cfg.WaitStrategy == nil {
		return resolvedFuture(dc, failed[S](errors.New("wait for condition requires a wait strategy")))
	}
	if cfg.Serdes == nil {
		cfg.Serdes = defaultSerdes[S](dc.exec.cfg.codec)
	}
	h, se := dc.begin(OperationTypeStep, SubTypeWaitForCondition, name)
	if se != nil {
		return resolvedFuture(dc, suspended[S](se))
	}
	return newOpFuture(h, true, func() Outcome[S] {
		return runWaitForCondition(h, check, cfg)
	})
}

func runWaitForCondition[S any](h *opHandle, check func(StepContext, S) (S, error), cfg WaitForConditionConfig[S]) Outcome[S] {
	dc := h.dc
	for {
		if se := dc.suspendedOutcome(); se != nil {
			return suspended[S](se)
		}

		op := h.record()
		if op == nil {
			if out, again := pollCondition(h, check, cfg, cfg.InitialState, 1, true); !again {
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
			v, err := deserialize(cfg.Serdes, h.serdes(), h.name, payload)
			if err != nil {
				return suspended[S](dc.terminate(ReasonSerdesFailed, err.Error(), err))
			}
			return completed(v)

		case StatusFailed, StatusTimedOut, StatusStopped, StatusCancelled:
			var obj *ErrorObject
			if op.StepDetails != nil {
				obj = op.StepDetails.Error
			}
			return failed[S](ErrorFromObject(obj, ErrorKindWaitForCondition, "Wait for condition failed"))

		case StatusPending:
			next := NextDue(op)
			if !next.IsZero() && !dc.exec.cfg.clock.Now().Before(next) {
				dc.exec.cp.Force(dc.exec.ctx)
				if h.record().Status != StatusPending {
					continue
				}
			} else {
				if dc.waitBeforeContinue(continueOptions{opID: h.id, resumeAt: next}) {
					return suspended[S](dc.terminateAt(ReasonRetryScheduled,
						fmt.Sprintf("next check of %s scheduled", describeOp(h)), nil, next))
				}
				continue
			}
			fallthrough

		case StatusReady, StatusStarted:
			state, se := recordedState(h, op, cfg)
			if se != nil {
				return suspended[S](se)
			}
			if out, again := pollCondition(h, check, cfg, state, attempt, op.Status != StatusStarted); !again {
				return out
			}

		default:
			return failed[S](fmt.Errorf("%w: wait for condition %s has unknown status %q", ErrInvalidUpdate, h.id, op.Status))
		}
	}
}

// recordedState decodes the state saved by the previous check.
func recordedState[S any](h *opHandle, op *Operation, cfg WaitForConditionConfig[S]) (S, *SuspendError) {
	var payload *string
	if op.StepDetails != nil {
		payload = op.StepDetails.Result
	}
	var cause error
	if payload == nil {
		cause = errors.New("no recorded state")
	} else {
		s, err := deserialize(cfg.Serdes, h.serdes(), h.name, payload)
		if err == nil {
			return s, nil
		}
		cause = err
	}
	if op.Status == StatusStarted && payload == nil {
		// First check was interrupted before any state was recorded.
		return cfg.InitialState, nil
	}
	if cfg.StrictState {
		var zero S
		return zero, h.dc.terminate(ReasonSerdesFailed, fmt.Sprintf("state of %s: %v", describeOp(h), cause), cause)
	}
	h.dc.logger.Warn("recorded state unusable, resuming from initial state",
		"operation_id", h.id, "operation_name", h.name, "error", cause)
	h.emit(emit.MsgStateFallback, 0, map[string]interface{}{"error": cause.Error()})
	return cfg.InitialState, nil
}

func pollCondition[S any](h *opHandle, check func(StepContext, S) (S, error), cfg WaitForConditionConfig[S], state S, attempt int, start bool) (Outcome[S], bool) {
	dc := h.dc
	if start {
		if err := h.checkpoint(h.update(ActionStart)); err != nil {
			return suspended[S](h.failCheckpoint(err)), false
		}
		h.emit(emit.MsgOperationStarted, attempt, nil)
	}

	began := time.Now()
	next, err := callStep(h, func(sc StepContext) (S, error) { return check(sc, state) }, attempt, true)
	var se *SuspendError
	if errors.As(err, &se) {
		return suspended[S](se), false
	}

	var dec WaitDecision
	if err == nil {
		dec, err = cfg.WaitStrategy(next, attempt)
	}
	if err != nil {
		opErr := NewOperationError(ErrorKindWaitForCondition, err)
		opErr.Kind = ErrorKindWaitForCondition
		u := h.update(ActionFail)
		u.Error = opErr.ErrorObject()
		if cerr := h.checkpoint(u); cerr != nil {
			return suspended[S](h.failCheckpoint(cerr)), false
		}
		dc.exec.cfg.metrics.RecordOperationLatency(h.typ, string(StatusFailed), time.Since(began))
		h.emit(emit.MsgOperationFailed, attempt, map[string]interface{}{"error": opErr.Message})
		return failed[S](opErr), false
	}

	payload, serr := serialize(cfg.Serdes, h.serdes(), h.name, next)
	if serr != nil {
		return suspended[S](dc.terminate(ReasonSerdesFailed, serr.Error(), serr)), false
	}

	if dec.ShouldContinue {
		delay := dec.Delay.TotalSeconds()
		if delay < 1 {
			delay = 1
		}
		u := h.update(ActionRetry)
		u.Payload = payload
		u.StepOptions = &StepOptions{NextAttemptDelaySeconds: delay}
		if cerr := h.checkpoint(u); cerr != nil {
			return suspended[S](h.failCheckpoint(cerr)), false
		}
		h.emit(emit.MsgStepRetry, attempt, map[string]interface{}{"delay_seconds": delay})
		return Outcome[S]{}, true
	}

	u := h.update(ActionSucceed)
	u.Payload = payload
	if cerr := h.checkpoint(u); cerr != nil {
		return suspended[S](h.failCheckpoint(cerr)), false
	}
	dc.exec.cfg.metrics.RecordOperationLatency(h.typ, string(StatusSucceeded), time.Since(began))
	h.emit(emit.MsgOperationSucceeded, attempt, nil)
	return completed(next), false
}
