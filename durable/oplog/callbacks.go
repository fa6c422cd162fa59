package oplog

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// SucceedCallback completes a callback with result. A nil result completes
// it with no payload.
func (l *Log) SucceedCallback(ctx context.Context, callbackID string, result *string) error {
	return l.completeCallback(ctx, callbackID, durable.OperationUpdate{
		Action:  durable.ActionSucceed,
		Payload: result,
	})
}

// FailCallback completes a callback with an error.
func (l *Log) FailCallback(ctx context.Context, callbackID string, e *durable.ErrorObject) error {
	if e == nil {
		e = &durable.ErrorObject{}
	}
	return l.completeCallback(ctx, callbackID, durable.OperationUpdate{
		Action: durable.ActionFail,
		Error:  e,
	})
}

// HeartbeatCallback records that the external system is still working on
// the callback, pushing back its heartbeat deadline.
func (l *Log) HeartbeatCallback(ctx context.Context, callbackID string) error {
	cb, err := l.callback(ctx, callbackID)
	if err != nil {
		return err
	}
	unlock := l.lock(cb.Arn)
	defer unlock()

	op, err := l.store.Operation(ctx, cb.Arn, cb.OperationID)
	if err != nil {
		return fmt.Errorf("%w: %s", durable.ErrOperationNotFound, cb.OperationID)
	}
	if op.Status.Terminal() {
		return fmt.Errorf("%w: callback %s is %s", durable.ErrOperationCompleted, callbackID, op.Status)
	}
	cb.LastHeartbeat = l.clock.Now()
	return l.store.SaveCallback(ctx, cb)
}

func (l *Log) callback(ctx context.Context, callbackID string) (store.Callback, error) {
	cb, err := l.store.GetCallback(ctx, callbackID)
	if errors.Is(err, store.ErrNotFound) {
		return cb, fmt.Errorf("%w: %s", ErrCallbackNotFound, callbackID)
	}
	return cb, err
}

func (l *Log) completeCallback(ctx context.Context, callbackID string, u durable.OperationUpdate) error {
	cb, err := l.callback(ctx, callbackID)
	if err != nil {
		return err
	}
	unlock := l.lock(cb.Arn)
	defer unlock()

	op, err := l.store.Operation(ctx, cb.Arn, cb.OperationID)
	if err != nil {
		return fmt.Errorf("%w: %s", durable.ErrOperationNotFound, cb.OperationID)
	}
	u.ID = op.ID
	u.Type = op.Type
	next, err := durable.ApplyUpdate(&op, u, l.clock.Now(), nil)
	if err != nil {
		return err
	}
	if err := l.store.Append(ctx, cb.Arn, nil, *next); err != nil {
		return err
	}

	meta := map[string]interface{}{"status": string(next.Status)}
	if u.Error != nil {
		meta["error"] = u.Error.ErrorMessage
	}
	l.emit(emit.Event{
		ExecutionArn: cb.Arn, OperationID: next.ID, OperationType: string(next.Type),
		Name: next.NameValue(), Msg: emit.MsgCallbackCompleted, Meta: meta,
	})
	l.logger.Debug("callback completed", "execution_arn", cb.Arn, "callback_id", callbackID, "status", next.Status)
	l.notify(cb.Arn, []durable.Operation{*next}, true)
	return nil
}
