// Package store persists durable execution logs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/durable-go/durable"
)

// ErrNotFound is returned when a requested execution, operation, callback
// or invocation doesn't exist in the store.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by CreateExecution for a duplicate arn.
var ErrAlreadyExists = errors.New("already exists")

// ErrTokenMismatch is returned by Append when the execution's checkpoint
// token is not the expected one.
var ErrTokenMismatch = errors.New("checkpoint token mismatch")

// ErrStoreClosed is returned by every method after Close.
var ErrStoreClosed = errors.New("store is closed")

// Store persists the durable log of executions.
//
// The store is a dumb persistence layer: lifecycle rules, token minting and
// timers live in oplog.Log, which serializes writes per execution. A Store
// only has to make each call atomic.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateExecution records a new execution together with its root
	// EXECUTION operation.
	CreateExecution(ctx context.Context, exec Execution, root durable.Operation) error

	// GetExecution returns the execution record.
	// Returns ErrNotFound if arn doesn't exist.
	GetExecution(ctx context.Context, arn string) (Execution, error)

	// UpdateExecution replaces the mutable fields of an execution: status,
	// token, result, error and timestamps.
	UpdateExecution(ctx context.Context, exec Execution) error

	// ListExecutions returns executions in creation order, optionally
	// filtered by status ("" returns all).
	ListExecutions(ctx context.Context, status ExecutionStatus) ([]Execution, error)

	// Append inserts or replaces operations of an execution.
	//
	// Operations keep the position of their first insertion, so Operations
	// returns them in the order the workflow created them. When swap is
	// non-nil the execution's token must equal swap.From and is replaced by
	// swap.To in the same transaction; otherwise ErrTokenMismatch is returned
	// and nothing is written.
	Append(ctx context.Context, arn string, swap *TokenSwap, ops ...durable.Operation) error

	// Operations returns the execution's operations in insertion order.
	// Returns ErrNotFound if arn doesn't exist.
	Operations(ctx context.Context, arn string) ([]durable.Operation, error)

	// Operation returns one operation.
	// Returns ErrNotFound if the execution or operation doesn't exist.
	Operation(ctx context.Context, arn, id string) (durable.Operation, error)

	// SaveCallback inserts or replaces a callback registration.
	SaveCallback(ctx context.Context, cb Callback) error

	// GetCallback returns a callback by its id.
	// Returns ErrNotFound if callbackID doesn't exist.
	GetCallback(ctx context.Context, callbackID string) (Callback, error)

	// Callbacks returns the callbacks of an execution.
	Callbacks(ctx context.Context, arn string) ([]Callback, error)

	// SaveInvocation inserts or replaces an invocation record.
	SaveInvocation(ctx context.Context, inv Invocation) error

	// Invocations returns the invocations of an execution in start order.
	Invocations(ctx context.Context, arn string) ([]Invocation, error)

	// Close releases the store's resources.
	Close() error
}

// ExecutionStatus is the overall state of an execution.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether the execution finished.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed
}

// Execution is the top-level record of one durable execution.
type Execution struct {
	Arn          string
	Name         string
	FunctionName string
	Status       ExecutionStatus
	// Token is the current checkpoint token.
	Token     string
	Result    *string
	Error     *durable.ErrorObject
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenSwap is a compare-and-swap of the checkpoint token.
type TokenSwap struct {
	From string
	To   string
}

// Callback registers a CALLBACK operation so that external systems can
// complete it by id.
type Callback struct {
	ID          string
	Arn         string
	OperationID string
	// TimeoutAt is when the callback times out, zero for never.
	TimeoutAt time.Time
	// HeartbeatTimeout is the longest gap allowed between heartbeats,
	// zero for none.
	HeartbeatTimeout time.Duration
	LastHeartbeat    time.Time
}

// HeartbeatDeadline returns when the callback times out for lack of a
// heartbeat, or the zero time when no heartbeat is required.
func (c Callback) HeartbeatDeadline() time.Time {
	if c.HeartbeatTimeout <= 0 {
		return time.Time{}
	}
	return c.LastHeartbeat.Add(c.HeartbeatTimeout)
}

// Invocation is one run of the workflow handler.
type Invocation struct {
	ID          string
	Arn         string
	StartedAt   time.Time
	CompletedAt time.Time
	// Status is the invocation output status, or "" while running.
	Status durable.InvocationStatus
	Error  *durable.ErrorObject
}

func encodeOperation(op durable.Operation) (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
	}
	return string(data), nil
}

func decodeOperation(data string) (durable.Operation, error) {
	var op durable.Operation
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return op, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return op, nil
}

func encodeError(e *durable.ErrorObject) (*string, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error: %w", err)
	}
	s := string(data)
	return &s, nil
}

func decodeError(data *string) (*durable.ErrorObject, error) {
	if data == nil || *data == "" {
		return nil, nil
	}
	var e durable.ErrorObject
	if err := json.Unmarshal([]byte(*data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error: %w", err)
	}
	return &e, nil
}

// callbackIDOf returns the callback id carried by op, "" when none.
func callbackIDOf(op durable.Operation) string {
	if op.CallbackDetails == nil {
		return ""
	}
	return op.CallbackDetails.CallbackID
}
