package durable

import (
	"time"
)

// continueOptions describes what an outstanding operation is waiting for.
type continueOptions struct {
	// opID is the operation whose status change ends the wait.
	opID string
	// resumeAt is when the operation becomes due, zero when unknown.
	resumeAt time.Time
	// poll refreshes state periodically when resumeAt is unknown.
	poll bool
}

// waitBeforeContinue blocks an outstanding operation until something that
// can change its outcome happens: its timer fires, its record changes, or all
// running work drains. It reports whether the invocation may be suspended on
// the operation's behalf, which is the case when nothing else is running, the
// record did not change and the operation is not yet due.
//
// Callers re-read the record after every return.
func (dc *Context) waitBeforeContinue(o continueOptions) bool {
	e := dc.exec

	if d := e.cfg.settleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-e.term.Done():
			t.Stop()
			return false
		case <-e.ctx.Done():
			t.Stop()
			return false
		}
	}

	original := e.index.Status(o.opID)
	if !o.resumeAt.IsZero() && !e.cfg.clock.Now().Before(o.resumeAt) {
		e.cp.Force(e.ctx)
		return false
	}
	if !e.tracker.HasActive() {
		return true
	}

	e.awaiting.Add(1)
	defer e.awaiting.Add(-1)

	var due <-chan struct{}
	switch {
	case !o.resumeAt.IsZero():
		due = e.sched.ScheduleResume(o.opID, o.resumeAt, map[string]any{"status": string(original)})
		defer e.sched.Cancel(o.opID)
	case o.poll:
		due = e.sched.SchedulePolling(o.opID, map[string]any{"status": string(original)})
		defer e.sched.Cancel(o.opID)
	}

	drained := e.tracker.Drained()
	for {
		changed := e.index.Changed()
		if e.index.Status(o.opID) != original {
			return false
		}
		select {
		case <-due:
			e.cp.Force(e.ctx)
			return false
		case <-drained:
			return e.index.Status(o.opID) == original
		case <-changed:
		case <-e.term.Done():
			return false
		case <-e.ctx.Done():
			return false
		}
	}
}
