package durable

import (
	"sync"
)

// TerminationReason says why an invocation stopped running user code.
type TerminationReason string

// Termination reasons.
const (
	ReasonOperationTerminated    TerminationReason = "OPERATION_TERMINATED"
	ReasonRetryScheduled         TerminationReason = "RETRY_SCHEDULED"
	ReasonWaitScheduled          TerminationReason = "WAIT_SCHEDULED"
	ReasonCallbackPending        TerminationReason = "CALLBACK_PENDING"
	ReasonCheckpointFailed       TerminationReason = "CHECKPOINT_FAILED"
	ReasonSerdesFailed           TerminationReason = "SERDES_FAILED"
	ReasonContextValidationError TerminationReason = "CONTEXT_VALIDATION_ERROR"
	ReasonNonDeterministic       TerminationReason = "NON_DETERMINISTIC_EXECUTION"
	ReasonCustom                 TerminationReason = "CUSTOM"
)

// Fatal reports whether the reason is an unrecoverable fault rather than a
// suspension waiting on time or an external event.
func (r TerminationReason) Fatal() bool {
	switch r {
	case ReasonCheckpointFailed, ReasonSerdesFailed, ReasonContextValidationError, ReasonNonDeterministic, ReasonCustom:
		return true
	}
	return false
}

// TerminationResult is recorded by the first call to Terminate.
type TerminationResult struct {
	Reason  TerminationReason
	Message string
	// Err is the fault behind a fatal termination.
	Err error
}

// terminationManager signals the end of an invocation exactly once. The
// first Terminate wins; later calls are ignored.
type terminationManager struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	result TerminationResult
	fired  bool

	onTerminate func(TerminationResult)
}

func newTerminationManager(onTerminate func(TerminationResult)) *terminationManager {
	return &terminationManager{
		done:        make(chan struct{}),
		onTerminate: onTerminate,
	}
}

// Terminate records r and closes Done. It reports whether this call was the
// one that terminated the invocation.
func (t *terminationManager) Terminate(r TerminationResult) bool {
	won := false
	t.once.Do(func() {
		t.mu.Lock()
		t.result = r
		t.fired = true
		t.mu.Unlock()
		won = true
		if t.onTerminate != nil {
			t.onTerminate(r)
		}
		close(t.done)
	})
	return won
}

// Done is closed once the invocation has been terminated.
func (t *terminationManager) Done() <-chan struct{} {
	return t.done
}

// Result returns the recorded result and whether termination happened.
func (t *terminationManager) Result() (TerminationResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.fired
}

// Terminated reports whether Terminate has been called.
func (t *terminationManager) Terminated() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
