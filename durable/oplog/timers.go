package oplog

import (
	"context"
	"time"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// Advance fires every timer of the execution that is due: elapsed waits
// succeed, scheduled retries become READY and expired callbacks time out.
// It returns the time at which the next timer is due, or the zero time when
// the execution only waits on external events.
func (l *Log) Advance(ctx context.Context, arn string) (time.Time, error) {
	unlock := l.lock(arn)
	defer unlock()

	if _, err := l.execution(ctx, arn); err != nil {
		return time.Time{}, err
	}
	return l.advanceLocked(ctx, arn)
}

func (l *Log) advanceLocked(ctx context.Context, arn string) (time.Time, error) {
	ops, err := l.store.Operations(ctx, arn)
	if err != nil {
		return time.Time{}, err
	}
	cbs, err := l.store.Callbacks(ctx, arn)
	if err != nil {
		return time.Time{}, err
	}
	byID := make(map[string]*durable.Operation, len(ops))
	for i := range ops {
		byID[ops[i].ID] = &ops[i]
	}

	now := l.clock.Now()
	var (
		changed []durable.Operation
		next    time.Time
	)
	earliest := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}

	for i := range ops {
		if promoted, ok := durable.PromoteDue(&ops[i], now); ok {
			changed = append(changed, *promoted)
			l.emit(emit.Event{
				ExecutionArn: arn, OperationID: promoted.ID, OperationType: string(promoted.Type),
				Name: promoted.NameValue(), Msg: emit.MsgTimerFired,
				Meta: map[string]interface{}{"status": string(promoted.Status)},
			})
			continue
		}
		earliest(durable.NextDue(&ops[i]))
	}

	for _, cb := range cbs {
		op, ok := byID[cb.OperationID]
		if !ok || op.Status != durable.StatusStarted {
			continue
		}
		deadline, reason := callbackDeadline(cb)
		if deadline.IsZero() {
			continue
		}
		if deadline.After(now) {
			earliest(deadline)
			continue
		}
		timedOut := op.Clone()
		timedOut.Status = durable.StatusTimedOut
		timedOut.EndTimestamp = durable.TimestampOf(now)
		setError(timedOut, &durable.ErrorObject{ErrorType: "CallbackTimeout", ErrorMessage: reason})
		changed = append(changed, *timedOut)
		l.emit(emit.Event{
			ExecutionArn: arn, OperationID: op.ID, OperationType: string(op.Type),
			Name: op.NameValue(), Msg: emit.MsgCallbackTimedOut,
			Meta: map[string]interface{}{"error": reason},
		})
	}

	if len(changed) == 0 {
		return next, nil
	}
	if err := l.store.Append(ctx, arn, nil, changed...); err != nil {
		return time.Time{}, err
	}
	l.notify(arn, changed, true)
	return next, nil
}

// callbackDeadline returns the earlier of the callback's overall and
// heartbeat deadlines with a description, or the zero time.
func callbackDeadline(cb store.Callback) (time.Time, string) {
	deadline, reason := cb.TimeoutAt, "Callback timed out"
	if hb := cb.HeartbeatDeadline(); !hb.IsZero() && (deadline.IsZero() || hb.Before(deadline)) {
		deadline, reason = hb, "Callback heartbeat timed out"
	}
	return deadline, reason
}

func newCallback(arn string, op *durable.Operation, opts *durable.CallbackOptions, now time.Time) store.Callback {
	cb := store.Callback{Arn: arn, OperationID: op.ID, LastHeartbeat: now}
	if op.CallbackDetails != nil {
		cb.ID = op.CallbackDetails.CallbackID
	}
	if opts != nil {
		if opts.TimeoutSeconds > 0 {
			cb.TimeoutAt = now.Add(time.Duration(opts.TimeoutSeconds) * time.Second)
		}
		if opts.HeartbeatTimeoutSeconds > 0 {
			cb.HeartbeatTimeout = time.Duration(opts.HeartbeatTimeoutSeconds) * time.Second
		}
	}
	return cb
}
