package emit

// Event is an observability event emitted during a durable invocation.
//
// Events cover:
//   - Operation start, success, failure and retry
//   - Checkpoint batches sent to the durable log
//   - Suspension and termination of the invocation
//   - Replay mismatches detected by the validator
type Event struct {
	// ExecutionArn identifies the durable execution.
	ExecutionArn string

	// OperationID is the hashed id of the operation, empty for
	// invocation-level events.
	OperationID string

	// OperationType is the recorded type of the operation (STEP, WAIT, ...).
	OperationType string

	// Name is the user label of the operation, if any.
	Name string

	// Attempt is the 1-based attempt number for step events, zero otherwise.
	Attempt int

	// Msg is a short machine-friendly description such as "step_succeeded".
	Msg string

	// Meta contains additional structured data. Common keys:
	//   - "duration_ms": operation duration in milliseconds
	//   - "error": error message
	//   - "reason": termination reason
	//   - "delay_seconds": scheduled retry or wait delay
	//   - "updates": number of updates in a checkpoint batch
	Meta map[string]interface{}
}

// Event messages emitted by the durable runtime.
const (
	MsgInvocationStarted   = "invocation_started"
	MsgInvocationCompleted = "invocation_completed"
	MsgOperationStarted    = "operation_started"
	MsgOperationSucceeded  = "operation_succeeded"
	MsgOperationFailed     = "operation_failed"
	MsgOperationReplayed   = "operation_replayed"
	MsgStepRetry           = "step_retry"
	MsgCheckpoint          = "checkpoint"
	MsgSuspended           = "suspended"
	MsgTerminated          = "terminated"
	MsgReplayMismatch      = "replay_mismatch"
	MsgStateFallback       = "state_fallback"
)

// Event messages emitted by the durable log.
const (
	MsgExecutionStarted   = "execution_started"
	MsgExecutionCompleted = "execution_completed"
	MsgOperationUpdated   = "operation_updated"
	MsgTimerFired         = "timer_fired"
	MsgCallbackCompleted  = "callback_completed"
	MsgCallbackTimedOut   = "callback_timed_out"
)
