package oplog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/oplog"
	"github.com/dshills/durable-go/durable/store"
)

func startCallback(t *testing.T, l *oplog.Log, inv *oplog.Invocation, opts *durable.CallbackOptions) string {
	t.Helper()
	resp := checkpoint(t, l, inv, inv.CheckpointToken, durable.OperationUpdate{
		ID: "cb-1", Type: durable.OperationTypeCallback, SubType: durable.SubTypeCallback,
		Action: durable.ActionStart, CallbackOptions: opts,
	})
	op := resp.NewExecutionState.Operations[0]
	require.NotNil(t, op.CallbackDetails)
	require.NotEmpty(t, op.CallbackDetails.CallbackID)
	return op.CallbackDetails.CallbackID
}

func callbackOp(t *testing.T, l *oplog.Log, arn string) *durable.Operation {
	t.Helper()
	ops, err := l.Operations(context.Background(), arn)
	require.NoError(t, err)
	op := find(ops, "cb-1")
	require.NotNil(t, op)
	return op
}

// unregisterableStore rejects every callback registration.
type unregisterableStore struct {
	store.Store
}

func (unregisterableStore) SaveCallback(context.Context, store.Callback) error {
	return errors.New("disk full")
}

func TestCallbackRegistrationFailureWritesNothing(t *testing.T) {
	l := oplog.New(unregisterableStore{Store: store.NewMemStore()}, oplog.WithClock(newManualClock()))
	t.Cleanup(func() { _ = l.Close() })
	inv := start(t, l, "{}")
	ctx := context.Background()

	_, err := l.Checkpoint(ctx, durable.CheckpointRequest{
		DurableExecutionArn: inv.DurableExecutionArn,
		CheckpointToken:     inv.CheckpointToken,
		Updates: []durable.OperationUpdate{{
			ID: "cb-1", Type: durable.OperationTypeCallback, SubType: durable.SubTypeCallback,
			Action: durable.ActionStart,
		}},
	})
	require.ErrorContains(t, err, "disk full")

	ops, err := l.Operations(ctx, inv.DurableExecutionArn)
	require.NoError(t, err)
	assert.Nil(t, find(ops, "cb-1"))

	exec, err := l.Execution(ctx, inv.DurableExecutionArn)
	require.NoError(t, err)
	assert.Equal(t, inv.CheckpointToken, exec.Token)

	// The token still accepts the next batch.
	checkpoint(t, l, inv, inv.CheckpointToken, durable.OperationUpdate{
		ID: "a", Type: durable.OperationTypeStep, SubType: durable.SubTypeStep, Action: durable.ActionStart,
	})
}

func TestSucceedCallback(t *testing.T) {
	l, _ := newLog(t)
	inv := start(t, l, "{}")
	ctx := context.Background()
	id := startCallback(t, l, inv, nil)

	require.NoError(t, l.SucceedCallback(ctx, id, strPtr(`{"approved":true}`)))
	op := callbackOp(t, l, inv.DurableExecutionArn)
	assert.Equal(t, durable.StatusSucceeded, op.Status)
	assert.Equal(t, `{"approved":true}`, *op.CallbackDetails.Result)

	assert.ErrorIs(t, l.SucceedCallback(ctx, id, nil), durable.ErrOperationCompleted)
	assert.ErrorIs(t, l.HeartbeatCallback(ctx, id), durable.ErrOperationCompleted)
}

func TestFailCallback(t *testing.T) {
	l, _ := newLog(t)
	inv := start(t, l, "{}")
	ctx := context.Background()
	id := startCallback(t, l, inv, nil)

	require.NoError(t, l.FailCallback(ctx, id, &durable.ErrorObject{ErrorType: "Rejected", ErrorMessage: "no"}))
	op := callbackOp(t, l, inv.DurableExecutionArn)
	assert.Equal(t, durable.StatusFailed, op.Status)
	assert.Equal(t, "no", op.CallbackDetails.Error.ErrorMessage)
}

func TestUnknownCallback(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()
	assert.ErrorIs(t, l.SucceedCallback(ctx, "nope", nil), oplog.ErrCallbackNotFound)
	assert.ErrorIs(t, l.FailCallback(ctx, "nope", nil), oplog.ErrCallbackNotFound)
	assert.ErrorIs(t, l.HeartbeatCallback(ctx, "nope"), oplog.ErrCallbackNotFound)
}

func TestCallbackTimeouts(t *testing.T) {
	ctx := context.Background()

	t.Run("overall timeout", func(t *testing.T) {
		l, clock := newLog(t)
		inv := start(t, l, "{}")
		startCallback(t, l, inv, &durable.CallbackOptions{TimeoutSeconds: 60})

		next, err := l.Advance(ctx, inv.DurableExecutionArn)
		require.NoError(t, err)
		assert.True(t, next.Equal(clock.Now().Add(time.Minute)))

		clock.Advance(time.Minute)
		_, err = l.Advance(ctx, inv.DurableExecutionArn)
		require.NoError(t, err)

		op := callbackOp(t, l, inv.DurableExecutionArn)
		assert.Equal(t, durable.StatusTimedOut, op.Status)
		assert.Equal(t, "Callback timed out", op.CallbackDetails.Error.ErrorMessage)
	})

	t.Run("heartbeat extends deadline", func(t *testing.T) {
		l, clock := newLog(t)
		inv := start(t, l, "{}")
		id := startCallback(t, l, inv, &durable.CallbackOptions{TimeoutSeconds: 600, HeartbeatTimeoutSeconds: 10})

		clock.Advance(8 * time.Second)
		require.NoError(t, l.HeartbeatCallback(ctx, id))
		clock.Advance(8 * time.Second)
		_, err := l.Advance(ctx, inv.DurableExecutionArn)
		require.NoError(t, err)
		assert.Equal(t, durable.StatusStarted, callbackOp(t, l, inv.DurableExecutionArn).Status)

		clock.Advance(3 * time.Second)
		_, err = l.Advance(ctx, inv.DurableExecutionArn)
		require.NoError(t, err)
		op := callbackOp(t, l, inv.DurableExecutionArn)
		assert.Equal(t, durable.StatusTimedOut, op.Status)
		assert.Equal(t, "Callback heartbeat timed out", op.CallbackDetails.Error.ErrorMessage)

		assert.ErrorIs(t, l.SucceedCallback(ctx, id, nil), durable.ErrOperationCompleted)
	})
}
