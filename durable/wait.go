package durable

import (
	"fmt"
	"time"

	"github.com/dshills/durable-go/durable/emit"
)

// Wait pauses the workflow for d. The end time is fixed by the durable log
// when the wait starts, so a restarted invocation only waits for what is
// left.
func Wait(dc *Context, name string, d Duration) *Future[struct{}] {
	if err := d.Validate(); err != nil {
		return resolvedFuture(dc, failed[struct{}](err))
	}
	return wait(dc, name, func() int { return d.TotalSeconds() })
}

// WaitUntil pauses the workflow until t. A time in the past records a zero
// second wait.
func WaitUntil(dc *Context, name string, t time.Time) *Future[struct{}] {
	return wait(dc, name, func() int { return SecondsUntil(t, dc.exec.cfg.clock.Now()) })
}

func wait(dc *Context, name string, seconds func() int) *Future[struct{}] {
	h, se := dc.begin(OperationTypeWait, SubTypeWait, name)
	if se != nil {
		return resolvedFuture(dc, suspended[struct{}](se))
	}
	return newOpFuture(h, false, func() Outcome[struct{}] {
		return runWait(h, seconds)
	})
}

func runWait(h *opHandle, seconds func() int) Outcome[struct{}] {
	dc := h.dc
	for {
		if se := dc.suspendedOutcome(); se != nil {
			return suspended[struct{}](se)
		}

		op := h.record()
		if op == nil {
			secs := seconds()
			u := h.update(ActionStart)
			u.WaitOptions = &WaitOptions{WaitSeconds: secs}
			if err := h.checkpoint(u); err != nil {
				return suspended[struct{}](h.failCheckpoint(err))
			}
			h.emit(emit.MsgOperationStarted, 0, map[string]interface{}{"delay_seconds": secs})
			continue
		}

		switch op.Status {
		case StatusSucceeded:
			return completed(struct{}{})

		case StatusStarted:
			end := NextDue(op)
			if end.IsZero() || !dc.exec.cfg.clock.Now().Before(end) {
				dc.exec.cp.Force(dc.exec.ctx)
				if h.record().Status != StatusStarted {
					continue
				}
				if err := h.checkpoint(h.update(ActionSucceed)); err != nil {
					return suspended[struct{}](h.failCheckpoint(err))
				}
				continue
			}
			if dc.waitBeforeContinue(continueOptions{opID: h.id, resumeAt: end}) {
				return suspended[struct{}](dc.terminateAt(ReasonWaitScheduled,
					fmt.Sprintf("wait %s until %s", describeOp(h), end.UTC().Format(time.RFC3339)), nil, end))
			}

		default:
			return failed[struct{}](&OperationError{
				Kind:    ErrorKindStep,
				Message: fmt.Sprintf("wait %s ended with status %s", describeOp(h), op.Status),
			})
		}
	}
}
