package checkpoint

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/oplog"
	"github.com/dshills/durable-go/durable/store"
)

// ErrRemote is wrapped by server errors that match no known condition.
var ErrRemote = errors.New("durable log error")

// StatusError is an error response from the durable log server.
//
// The server reports every failure as a message without a code, so the
// condition is recovered from the message text. Err is the matching
// sentinel, or ErrRemote.
type StatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("durable log returned %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Ordered so that longer phrases win over their suffixes.
var messageSentinels = []struct {
	phrase string
	err    error
}{
	{"invalid checkpoint token", durable.ErrInvalidCheckpointToken},
	{"execution already completed", oplog.ErrExecutionClosed},
	{"operation already completed", durable.ErrOperationCompleted},
	{"invalid operation update", durable.ErrInvalidUpdate},
	{"execution not found", durable.ErrExecutionNotFound},
	{"operation not found", durable.ErrOperationNotFound},
	{"callback not found", oplog.ErrCallbackNotFound},
	{"too many invocations", oplog.ErrTooManyInvocations},
	{"not found", store.ErrNotFound},
}

func statusError(code int, message string) *StatusError {
	e := &StatusError{StatusCode: code, Message: message, Err: ErrRemote}
	lower := strings.ToLower(message)
	for _, s := range messageSentinels {
		if strings.Contains(lower, s.phrase) {
			e.Err = s.err
			return e
		}
	}
	if code == http.StatusNotFound {
		e.Err = store.ErrNotFound
	}
	return e
}
