package durable

import "time"

// OperationType identifies the kind of a recorded operation.
type OperationType string

// Operation types recorded in the durable log.
const (
	OperationTypeExecution     OperationType = "EXECUTION"
	OperationTypeStep          OperationType = "STEP"
	OperationTypeWait          OperationType = "WAIT"
	OperationTypeCallback      OperationType = "CALLBACK"
	OperationTypeChainedInvoke OperationType = "CHAINED_INVOKE"
	OperationTypeContext       OperationType = "CONTEXT"
)

// OperationSubType refines an OperationType. It is orthogonal to the type and
// both must match on replay.
type OperationSubType string

// Operation subtypes.
const (
	SubTypeStep              OperationSubType = "Step"
	SubTypeWait              OperationSubType = "Wait"
	SubTypeCallback          OperationSubType = "Callback"
	SubTypeRunInChildContext OperationSubType = "RunInChildContext"
	SubTypeMap               OperationSubType = "Map"
	SubTypeMapIteration      OperationSubType = "MapIteration"
	SubTypeParallel          OperationSubType = "Parallel"
	SubTypeParallelBranch    OperationSubType = "ParallelBranch"
	SubTypeWaitForCallback   OperationSubType = "WaitForCallback"
	SubTypeWaitForCondition  OperationSubType = "WaitForCondition"
	SubTypeChainedInvoke     OperationSubType = "ChainedInvoke"
	SubTypePromiseAll        OperationSubType = "PromiseAll"
	SubTypePromiseAllSettled OperationSubType = "PromiseAllSettled"
	SubTypePromiseAny        OperationSubType = "PromiseAny"
	SubTypePromiseRace       OperationSubType = "PromiseRace"
)

// OperationStatus is the lifecycle state of an operation.
//
// STARTED moves to one of the terminal states SUCCEEDED, FAILED, TIMED_OUT or
// STOPPED. PENDING and READY are used while a step retry or a wait-for-condition
// poll is scheduled: PENDING until the next attempt is due, READY afterwards.
type OperationStatus string

// Operation statuses.
const (
	StatusStarted   OperationStatus = "STARTED"
	StatusSucceeded OperationStatus = "SUCCEEDED"
	StatusFailed    OperationStatus = "FAILED"
	StatusTimedOut  OperationStatus = "TIMED_OUT"
	StatusStopped   OperationStatus = "STOPPED"
	StatusCancelled OperationStatus = "CANCELLED"
	StatusPending   OperationStatus = "PENDING"
	StatusReady     OperationStatus = "READY"
)

// Terminal reports whether no further transition is possible.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

// OperationAction is the transition requested by a checkpoint update.
type OperationAction string

// Checkpoint actions.
const (
	ActionStart   OperationAction = "START"
	ActionSucceed OperationAction = "SUCCEED"
	ActionFail    OperationAction = "FAIL"
	ActionRetry   OperationAction = "RETRY"
)

// Timestamp is a point in time that crosses the durable log boundary as whole
// seconds since the Unix epoch. The zero value means unset.
type Timestamp int64

// TimestampOf truncates t to whole seconds.
func TimestampOf(t time.Time) Timestamp {
	if t.IsZero() {
		return 0
	}
	return Timestamp(t.Unix())
}

// Time converts the timestamp back to a time.Time. The zero Timestamp yields
// the zero time.
func (ts Timestamp) Time() time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0)
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool { return ts == 0 }

// ErrorObject is the serialized form of an error stored in the durable log.
type ErrorObject struct {
	ErrorType    string   `json:"ErrorType,omitempty"`
	ErrorMessage string   `json:"ErrorMessage,omitempty"`
	ErrorData    string   `json:"ErrorData,omitempty"`
	StackTrace   []string `json:"StackTrace,omitempty"`
}

// ExecutionDetails is carried by the root EXECUTION operation.
type ExecutionDetails struct {
	InputPayload *string `json:"InputPayload,omitempty"`
}

// StepDetails is carried by STEP operations, including wait-for-condition.
type StepDetails struct {
	Attempt              int          `json:"Attempt,omitempty"`
	NextAttemptTimestamp Timestamp    `json:"NextAttemptTimestamp,omitempty"`
	Result               *string      `json:"Result,omitempty"`
	Error                *ErrorObject `json:"Error,omitempty"`
}

// WaitDetails is carried by WAIT operations.
type WaitDetails struct {
	ScheduledEndTimestamp Timestamp `json:"ScheduledEndTimestamp,omitempty"`
}

// CallbackDetails is carried by CALLBACK operations.
type CallbackDetails struct {
	CallbackID string       `json:"CallbackId,omitempty"`
	Result     *string      `json:"Result,omitempty"`
	Error      *ErrorObject `json:"Error,omitempty"`
}

// ChainedInvokeDetails is carried by CHAINED_INVOKE operations.
type ChainedInvokeDetails struct {
	Result *string      `json:"Result,omitempty"`
	Error  *ErrorObject `json:"Error,omitempty"`
}

// ContextDetails is carried by CONTEXT operations.
type ContextDetails struct {
	Result         *string      `json:"Result,omitempty"`
	Error          *ErrorObject `json:"Error,omitempty"`
	ReplayChildren bool         `json:"ReplayChildren,omitempty"`
}

// Operation is the atomic unit of durable history.
//
// Id is the hashed call-site path (see HashID) and never changes. For a fixed
// Id, Type, SubType and Name are immutable for the life of the execution.
// Operations are owned by the durable log; the runtime only holds snapshots.
type Operation struct {
	ID       string           `json:"Id"`
	ParentID string           `json:"ParentId,omitempty"`
	Name     *string          `json:"Name,omitempty"`
	Type     OperationType    `json:"Type,omitempty"`
	SubType  OperationSubType `json:"SubType,omitempty"`
	Status   OperationStatus  `json:"Status,omitempty"`

	StartTimestamp Timestamp `json:"StartTimestamp,omitempty"`
	EndTimestamp   Timestamp `json:"EndTimestamp,omitempty"`

	ExecutionDetails     *ExecutionDetails     `json:"ExecutionDetails,omitempty"`
	StepDetails          *StepDetails          `json:"StepDetails,omitempty"`
	WaitDetails          *WaitDetails          `json:"WaitDetails,omitempty"`
	CallbackDetails      *CallbackDetails      `json:"CallbackDetails,omitempty"`
	ChainedInvokeDetails *ChainedInvokeDetails `json:"ChainedInvokeDetails,omitempty"`
	ContextDetails       *ContextDetails       `json:"ContextDetails,omitempty"`
}

// NameValue returns the operation name or "" when unnamed.
func (o *Operation) NameValue() string {
	if o == nil || o.Name == nil {
		return ""
	}
	return *o.Name
}

// Clone returns a deep copy so snapshots can be handed out without sharing
// mutable detail structs.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	c.Name = cloneString(o.Name)
	if o.ExecutionDetails != nil {
		d := *o.ExecutionDetails
		d.InputPayload = cloneString(d.InputPayload)
		c.ExecutionDetails = &d
	}
	if o.StepDetails != nil {
		d := *o.StepDetails
		d.Result = cloneString(d.Result)
		d.Error = cloneErrorObject(d.Error)
		c.StepDetails = &d
	}
	if o.WaitDetails != nil {
		d := *o.WaitDetails
		c.WaitDetails = &d
	}
	if o.CallbackDetails != nil {
		d := *o.CallbackDetails
		d.Result = cloneString(d.Result)
		d.Error = cloneErrorObject(d.Error)
		c.CallbackDetails = &d
	}
	if o.ChainedInvokeDetails != nil {
		d := *o.ChainedInvokeDetails
		d.Result = cloneString(d.Result)
		d.Error = cloneErrorObject(d.Error)
		c.ChainedInvokeDetails = &d
	}
	if o.ContextDetails != nil {
		d := *o.ContextDetails
		d.Result = cloneString(d.Result)
		d.Error = cloneErrorObject(d.Error)
		c.ContextDetails = &d
	}
	return &c
}

// StepOptions configures a STEP RETRY update.
type StepOptions struct {
	NextAttemptDelaySeconds int `json:"NextAttemptDelaySeconds,omitempty"`
}

// WaitOptions configures a WAIT START update.
type WaitOptions struct {
	WaitSeconds int `json:"WaitSeconds"`
}

// CallbackOptions configures a CALLBACK START update.
type CallbackOptions struct {
	TimeoutSeconds          int `json:"TimeoutSeconds,omitempty"`
	HeartbeatTimeoutSeconds int `json:"HeartbeatTimeoutSeconds,omitempty"`
}

// ChainedInvokeOptions configures a CHAINED_INVOKE START update.
type ChainedInvokeOptions struct {
	FunctionName string `json:"FunctionName"`
}

// ContextOptions configures a CONTEXT SUCCEED update.
type ContextOptions struct {
	ReplayChildren bool `json:"ReplayChildren,omitempty"`
}

// OperationUpdate is one transition appended to the durable log.
type OperationUpdate struct {
	ID       string           `json:"Id"`
	ParentID string           `json:"ParentId,omitempty"`
	Name     *string          `json:"Name,omitempty"`
	Type     OperationType    `json:"Type"`
	SubType  OperationSubType `json:"SubType,omitempty"`
	Action   OperationAction  `json:"Action"`
	Payload  *string          `json:"Payload,omitempty"`
	Error    *ErrorObject     `json:"Error,omitempty"`

	StepOptions          *StepOptions          `json:"StepOptions,omitempty"`
	WaitOptions          *WaitOptions          `json:"WaitOptions,omitempty"`
	CallbackOptions      *CallbackOptions      `json:"CallbackOptions,omitempty"`
	ChainedInvokeOptions *ChainedInvokeOptions `json:"ChainedInvokeOptions,omitempty"`
	ContextOptions       *ContextOptions       `json:"ContextOptions,omitempty"`
}

// ExecutionState is a page of operations.
type ExecutionState struct {
	Operations []Operation `json:"Operations"`
	NextMarker string      `json:"NextMarker,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneErrorObject(e *ErrorObject) *ErrorObject {
	if e == nil {
		return nil
	}
	c := *e
	if e.StackTrace != nil {
		c.StackTrace = append([]string(nil), e.StackTrace...)
	}
	return &c
}

// StringPtr returns a pointer to s. Handy for optional names and payloads.
func StringPtr(s string) *string { return &s }

// namePtr maps "" to nil so unnamed operations are recorded without a Name.
func namePtr(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}
