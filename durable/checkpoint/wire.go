package checkpoint

import (
	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/store"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ExecutionSummary is the wire form of an execution record.
type ExecutionSummary struct {
	Arn          string               `json:"DurableExecutionArn"`
	Name         string               `json:"Name"`
	FunctionName string               `json:"FunctionName"`
	Status       string               `json:"Status"`
	Result       *string              `json:"Result,omitempty"`
	Error        *durable.ErrorObject `json:"Error,omitempty"`
	CreatedAt    durable.Timestamp    `json:"CreatedTimestamp"`
	UpdatedAt    durable.Timestamp    `json:"UpdatedTimestamp"`
}

// SummaryOf converts an execution record to its wire form.
func SummaryOf(e store.Execution) ExecutionSummary {
	return ExecutionSummary{
		Arn:          e.Arn,
		Name:         e.Name,
		FunctionName: e.FunctionName,
		Status:       string(e.Status),
		Result:       e.Result,
		Error:        e.Error,
		CreatedAt:    durable.TimestampOf(e.CreatedAt),
		UpdatedAt:    durable.TimestampOf(e.UpdatedAt),
	}
}

// InvocationSummary is the wire form of one invocation.
type InvocationSummary struct {
	ID          string                   `json:"InvocationId"`
	Status      durable.InvocationStatus `json:"Status,omitempty"`
	Error       *durable.ErrorObject     `json:"Error,omitempty"`
	StartedAt   durable.Timestamp        `json:"StartedTimestamp"`
	CompletedAt durable.Timestamp        `json:"CompletedTimestamp,omitempty"`
}

// InvocationOf converts an invocation record to its wire form.
func InvocationOf(inv store.Invocation) InvocationSummary {
	return InvocationSummary{
		ID:          inv.ID,
		Status:      inv.Status,
		Error:       inv.Error,
		StartedAt:   durable.TimestampOf(inv.StartedAt),
		CompletedAt: durable.TimestampOf(inv.CompletedAt),
	}
}

// History is everything recorded for one execution.
type History struct {
	Execution   ExecutionSummary    `json:"Execution"`
	Invocations []InvocationSummary `json:"Invocations"`
	Operations  []durable.Operation `json:"Operations"`
}

// PollResponse carries the operations changed since the previous poll.
type PollResponse struct {
	Operations []durable.Operation `json:"Operations"`
}

// UpdateOperationResponse carries the updated record.
type UpdateOperationResponse struct {
	Operation *durable.Operation `json:"Operation"`
}

// ListResponse lists executions.
type ListResponse struct {
	Executions []ExecutionSummary `json:"Executions"`
}
