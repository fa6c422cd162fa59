package oplog

import (
	"context"

	"github.com/dshills/durable-go/durable"
)

type chainedInvoke struct {
	parentArn    string
	operationID  string
	functionName string
	payload      *string
}

// Register makes handler available to chained invokes. When a workflow
// starts a CHAINED_INVOKE of functionName, the log runs a child execution of
// handler to completion and records its result on the invoking operation.
// Invokes of unregistered functions stay STARTED until resolved with
// UpdateOperation.
func (l *Log) Register(functionName string, handler durable.InvocationHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.functions[functionName] = handler
}

func (l *Log) handler(functionName string) (durable.InvocationHandler, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.functions[functionName]
	return h, ok
}

// dispatch runs a chained invoke in the background.
func (l *Log) dispatch(ci chainedInvoke) {
	h, ok := l.handler(ci.functionName)
	if !ok {
		l.logger.Debug("chained invoke awaits external resolution",
			"execution_arn", ci.parentArn, "operation_id", ci.operationID, "function", ci.functionName)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runChained(l.ctx, ci, h)
	}()
}

func (l *Log) runChained(ctx context.Context, ci chainedInvoke, h durable.InvocationHandler) {
	res, err := NewRunner(l, h).Run(ctx, StartExecutionRequest{
		FunctionName: ci.functionName,
		Payload:      ci.payload,
	})

	u := OperationUpdate{Status: durable.StatusSucceeded}
	switch {
	case err != nil:
		u = OperationUpdate{Status: durable.StatusFailed, Error: &durable.ErrorObject{
			ErrorType: "InvokeError", ErrorMessage: err.Error(),
		}}
	case res.Status == durable.InvocationSucceeded:
		u.Payload = res.Result
	default:
		u = OperationUpdate{Status: durable.StatusFailed, Error: res.Error}
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := l.UpdateOperation(context.WithoutCancel(ctx), ci.parentArn, ci.operationID, u); err != nil {
		l.logger.Warn("chained invoke result not recorded",
			"execution_arn", ci.parentArn, "operation_id", ci.operationID, "error", err)
	}
}
