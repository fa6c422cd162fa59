package durable

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrSuspended marks an outcome where the invocation stopped running user code
// and will be re-invoked by the host. Every *SuspendError matches it.
var ErrSuspended = errors.New("durable execution suspended")

// ErrInvalidUpdate is returned by ApplyUpdate for malformed or inconsistent
// checkpoint updates.
var ErrInvalidUpdate = errors.New("invalid operation update")

// ErrOperationCompleted is returned when an update targets an operation that
// already reached a terminal status.
var ErrOperationCompleted = errors.New("operation already completed")

// ErrExecutionNotFound is returned when the durable log has no record of the
// execution.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrOperationNotFound is returned when the durable log has no record of the
// operation.
var ErrOperationNotFound = errors.New("operation not found")

// ErrInvalidCheckpointToken is returned when an append carries a stale or
// unknown checkpoint token. Callers must re-read state before appending again.
var ErrInvalidCheckpointToken = errors.New("invalid checkpoint token")

// ErrInvalidRetryConfig indicates a RetryConfig that cannot produce a strategy.
var ErrInvalidRetryConfig = errors.New("invalid retry configuration")

// ErrInvalidDuration indicates a negative duration.
var ErrInvalidDuration = errors.New("invalid duration")

// ErrStepInterrupted is the cause recorded for a step that was started by an
// earlier invocation but never reported an outcome.
var ErrStepInterrupted = errors.New("the step execution process was initiated but failed to reach completion due to an interruption")

// ErrCheckpointTerminating is returned by the checkpoint manager once the
// invocation has been terminated and no further writes are accepted.
var ErrCheckpointTerminating = errors.New("checkpoint manager is terminating")

// ErrContextClosed is the cause of a ContextValidationError raised when an
// operation is created on a context whose function has already returned.
var ErrContextClosed = errors.New("context is closed")

// ErrContextBusy is the cause of a ContextValidationError raised when an
// operation is created on a context while one of its step functions or child
// scopes is executing. Operations inside a child scope must use the child
// context.
var ErrContextBusy = errors.New("context is in use by a running step or child context")

// ErrorKind is the closed set of domain operation error variants. Unknown
// kinds read back from the log decode to ErrorKindStep.
type ErrorKind int

const (
	ErrorKindStep ErrorKind = iota
	ErrorKindCallback
	ErrorKindInvoke
	ErrorKindChildContext
	ErrorKindWaitForCondition
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindStep:             "StepError",
	ErrorKindCallback:         "CallbackError",
	ErrorKindInvoke:           "InvokeError",
	ErrorKindChildContext:     "ChildContextError",
	ErrorKindWaitForCondition: "WaitForConditionError",
}

// String returns the ErrorType tag stored in the durable log.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return errorKindNames[ErrorKindStep]
}

// ParseErrorKind maps an ErrorType tag to a kind. Unknown tags yield
// ErrorKindStep, the most generic variant.
func ParseErrorKind(tag string) ErrorKind {
	for k, name := range errorKindNames {
		if name == tag {
			return k
		}
	}
	return ErrorKindStep
}

// OperationError is a failure of a durable operation. It is always
// reconstructible from an ErrorObject so that a replay surfaces an error of
// the same kind as the original run.
type OperationError struct {
	Kind       ErrorKind
	Message    string
	Data       string
	StackTrace []string
	// Cause is the original error on the run that produced the failure. It is
	// nil when the error was reconstructed from the log.
	Cause error
}

func (e *OperationError) Error() string {
	return e.Message
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// ErrorObject converts the error into its durable form.
func (e *OperationError) ErrorObject() *ErrorObject {
	return &ErrorObject{
		ErrorType:    e.Kind.String(),
		ErrorMessage: e.Message,
		ErrorData:    e.Data,
		StackTrace:   e.StackTrace,
	}
}

// NewOperationError wraps err as an operation error of the given kind. When
// err is already an *OperationError its data and stack are preserved.
// Otherwise the stack is taken from the first error in the chain that
// implements StackTracer, and left empty when there is none.
func NewOperationError(kind ErrorKind, err error) *OperationError {
	if err == nil {
		return &OperationError{Kind: kind, Message: "Unknown error"}
	}
	var existing *OperationError
	if errors.As(err, &existing) {
		return &OperationError{
			Kind:       kind,
			Message:    existing.Message,
			Data:       existing.Data,
			StackTrace: existing.StackTrace,
			Cause:      err,
		}
	}
	e := &OperationError{Kind: kind, Message: err.Error(), Cause: err}
	var st StackTracer
	if errors.As(err, &st) {
		e.StackTrace = st.StackTrace()
	}
	return e
}

// StackTracer is implemented by errors that know where they were created.
type StackTracer interface {
	StackTrace() []string
}

// WithStack annotates err with the stack of its caller, which is recorded
// with the operation's failure. It returns nil for a nil err.
//
//	if err := charge(order); err != nil {
//		return Receipt{}, durable.WithStack(err)
//	}
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stackError{err: err, stack: captureStack(3)}
}

type stackError struct {
	err   error
	stack []string
}

func (e *stackError) Error() string {
	return e.err.Error()
}

func (e *stackError) Unwrap() error {
	return e.err
}

func (e *stackError) StackTrace() []string {
	return e.stack
}

// ErrorFromObject reconstructs an operation error from the log. A nil object
// yields an error of fallbackKind carrying defaultMessage.
func ErrorFromObject(obj *ErrorObject, fallbackKind ErrorKind, defaultMessage string) *OperationError {
	if obj == nil {
		return &OperationError{Kind: fallbackKind, Message: defaultMessage}
	}
	msg := obj.ErrorMessage
	if msg == "" {
		msg = defaultMessage
	}
	kind := fallbackKind
	if obj.ErrorType != "" {
		kind = ParseErrorKind(obj.ErrorType)
	}
	return &OperationError{
		Kind:       kind,
		Message:    msg,
		Data:       obj.ErrorData,
		StackTrace: append([]string(nil), obj.StackTrace...),
	}
}

// ToErrorObject converts any error into its durable form. Operation errors
// keep their kind; everything else is recorded with fallbackKind.
func ToErrorObject(err error, fallbackKind ErrorKind) *ErrorObject {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.ErrorObject()
	}
	return NewOperationError(fallbackKind, err).ErrorObject()
}

func captureStack(skip int) []string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

// NonDeterministicError is raised by the replay validator when the code path
// no longer matches the recorded operation at the same position.
type NonDeterministicError struct {
	OperationID string
	Field       string
	Expected    string
	Actual      string
}

func (e *NonDeterministicError) Error() string {
	return fmt.Sprintf("non-deterministic execution detected for operation %s: %s mismatch, recorded %q but code produced %q",
		e.OperationID, e.Field, e.Expected, e.Actual)
}

// SerdesError reports a serialization or deserialization failure. It is fatal
// for the invocation.
type SerdesError struct {
	Op          string // "Serialization" or "Deserialization"
	OperationID string
	Name        string
	Err         error
}

func (e *SerdesError) Error() string {
	return fmt.Sprintf("%s failed for step %q (%s): %v", e.Op, e.Name, e.OperationID, e.Err)
}

func (e *SerdesError) Unwrap() error { return e.Err }

// CheckpointScope classifies an unrecoverable checkpoint failure.
type CheckpointScope int

const (
	// CheckpointScopeInvocation failures are retried by re-invoking with
	// fresh state.
	CheckpointScopeInvocation CheckpointScope = iota
	// CheckpointScopeExecution failures fail the whole execution.
	CheckpointScopeExecution
)

// CheckpointError reports a checkpoint append that the durable log rejected.
type CheckpointError struct {
	Scope CheckpointScope
	Err   error
}

func (e *CheckpointError) Error() string {
	scope := "invocation"
	if e.Scope == CheckpointScopeExecution {
		scope = "execution"
	}
	return fmt.Sprintf("checkpoint failed (%s): %v", scope, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// ClassifyCheckpointError decides whether a failed append can be retried by a
// fresh invocation. Stale tokens and transport failures can; anything the log
// rejected as invalid cannot.
func ClassifyCheckpointError(err error) *CheckpointError {
	if err == nil {
		return nil
	}
	var ce *CheckpointError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, ErrInvalidCheckpointToken):
		return &CheckpointError{Scope: CheckpointScopeInvocation, Err: err}
	case errors.Is(err, ErrInvalidUpdate), errors.Is(err, ErrOperationCompleted),
		errors.Is(err, ErrExecutionNotFound), errors.Is(err, ErrOperationNotFound):
		return &CheckpointError{Scope: CheckpointScopeExecution, Err: err}
	}
	return &CheckpointError{Scope: CheckpointScopeInvocation, Err: err}
}

// ContextValidationError reports an operation constructed on a context that
// is not the active scope.
type ContextValidationError struct {
	ContextID string
	Err       error
}

func (e *ContextValidationError) Error() string {
	id := e.ContextID
	if id == "" {
		id = "root"
	}
	return fmt.Sprintf("invalid use of durable context %s: %v", id, e.Err)
}

func (e *ContextValidationError) Unwrap() error { return e.Err }

// SuspendError is what user code sees when an operation cannot complete in
// this invocation. Returning it (or any error) after suspension is harmless:
// the invocation result is already decided.
type SuspendError struct {
	Reason  TerminationReason
	Message string
	// ResumeAt is when the suspended operation becomes due, zero when it
	// waits on an external event.
	ResumeAt time.Time
}

func (e *SuspendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("durable execution suspended: %s", e.Reason)
	}
	return fmt.Sprintf("durable execution suspended: %s: %s", e.Reason, e.Message)
}

func (e *SuspendError) Is(target error) bool {
	return target == ErrSuspended
}

// IsSuspended reports whether err is, or wraps, a suspension.
func IsSuspended(err error) bool {
	return errors.Is(err, ErrSuspended)
}

// TerminationError is returned from an invocation that was terminated for a
// fatal reason (non-determinism, serdes failure, checkpoint failure, context
// misuse). The host should treat it as an invocation error.
type TerminationError struct {
	Reason  TerminationReason
	Message string
	Err     error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// AggregateError is returned by Any when every input failed.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("all %d promises were rejected", len(e.Errors))
}

func (e *AggregateError) Unwrap() []error { return e.Errors }
