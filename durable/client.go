package durable

import "context"

// LogClient is the narrow interface the runtime uses to reach the durable
// log. Implementations: oplog.Log (in process) and checkpoint.Client (HTTP).
//
// Checkpoint appends updates under optimistic concurrency: the request
// carries the latest token and the response returns the next one. A stale
// token must be rejected with an error wrapping ErrInvalidCheckpointToken.
type LogClient interface {
	Checkpoint(ctx context.Context, req CheckpointRequest) (*CheckpointResponse, error)
	GetExecutionState(ctx context.Context, req StateRequest) (*StateResponse, error)
}

// CheckpointRequest appends a batch of updates to an execution.
type CheckpointRequest struct {
	DurableExecutionArn string            `json:"DurableExecutionArn"`
	CheckpointToken     string            `json:"CheckpointToken"`
	Updates             []OperationUpdate `json:"Updates"`
}

// CheckpointResponse carries the next token and the records changed by the
// append.
type CheckpointResponse struct {
	CheckpointToken   string         `json:"CheckpointToken"`
	NewExecutionState ExecutionState `json:"NewExecutionState"`
}

// StateRequest reads one page of an execution's operations.
type StateRequest struct {
	DurableExecutionArn string `json:"DurableExecutionArn"`
	CheckpointToken     string `json:"CheckpointToken"`
	Marker              string `json:"Marker,omitempty"`
	MaxItems            int    `json:"MaxItems,omitempty"`
}

// StateResponse is one page of operations.
type StateResponse struct {
	Operations []Operation `json:"Operations"`
	NextMarker string      `json:"NextMarker,omitempty"`
}

// InvocationInput is what the host passes to a durable handler.
type InvocationInput struct {
	DurableExecutionArn   string         `json:"DurableExecutionArn"`
	CheckpointToken       string         `json:"CheckpointToken"`
	InitialExecutionState ExecutionState `json:"InitialExecutionState"`
}

// InvocationStatus is the outcome of one invocation.
type InvocationStatus string

// Invocation statuses.
const (
	InvocationSucceeded InvocationStatus = "SUCCEEDED"
	InvocationFailed    InvocationStatus = "FAILED"
	InvocationPending   InvocationStatus = "PENDING"
)

// InvocationOutput is what a durable handler returns to the host. PENDING
// means the host must invoke the handler again once pending work is due.
type InvocationOutput struct {
	Status InvocationStatus `json:"Status"`
	Result string           `json:"Result,omitempty"`
	Error  *ErrorObject     `json:"Error,omitempty"`
}
