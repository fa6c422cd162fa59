package durable

import (
	"fmt"

	"github.com/dshills/durable-go/durable/emit"
)

// InvokeConfig configures Invoke.
type InvokeConfig[I, O any] struct {
	// PayloadSerdes encodes the input. Default: the handler's codec.
	PayloadSerdes Serdes[I]
	// ResultSerdes decodes the result. Default: the handler's codec.
	ResultSerdes Serdes[O]
}

// Invoke runs another function, durable or not, through the durable log and
// waits for its result. The invocation of functionName is the log's
// responsibility; this handler only records the request and reads back the
// outcome.
func Invoke[I, O any](dc *Context, name, functionName string, input I, cfg ...InvokeConfig[I, O]) *Future[O] {
	var c InvokeConfig[I, O]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.PayloadSerdes == nil {
		c.PayloadSerdes = defaultSerdes[I](dc.exec.cfg.codec)
	}
	if c.ResultSerdes == nil {
		c.ResultSerdes = defaultSerdes[O](dc.exec.cfg.codec)
	}

	h, se := dc.begin(OperationTypeChainedInvoke, SubTypeChainedInvoke, name)
	if se != nil {
		return resolvedFuture(dc, suspended[O](se))
	}
	return newOpFuture(h, false, func() Outcome[O] {
		return runInvoke(h, functionName, input, c)
	})
}

func runInvoke[I, O any](h *opHandle, functionName string, input I, c InvokeConfig[I, O]) Outcome[O] {
	dc := h.dc
	for {
		if se := dc.suspendedOutcome(); se != nil {
			return suspended[O](se)
		}

		op := h.record()
		if op == nil {
			payload, err := serialize(c.PayloadSerdes, h.serdes(), h.name, input)
			if err != nil {
				return suspended[O](dc.terminate(ReasonSerdesFailed, err.Error(), err))
			}
			u := h.update(ActionStart)
			u.Payload = payload
			u.ChainedInvokeOptions = &ChainedInvokeOptions{FunctionName: functionName}
			if err := h.checkpoint(u); err != nil {
				return suspended[O](h.failCheckpoint(err))
			}
			h.emit(emit.MsgOperationStarted, 0, map[string]interface{}{"function": functionName})
			continue
		}

		switch op.Status {
		case StatusSucceeded:
			var payload *string
			if op.ChainedInvokeDetails != nil {
				payload = op.ChainedInvokeDetails.Result
			}
			v, err := deserialize(c.ResultSerdes, h.serdes(), h.name, payload)
			if err != nil {
				return suspended[O](dc.terminate(ReasonSerdesFailed, err.Error(), err))
			}
			return completed(v)

		case StatusFailed, StatusTimedOut, StatusStopped, StatusCancelled:
			var obj *ErrorObject
			if op.ChainedInvokeDetails != nil {
				obj = op.ChainedInvokeDetails.Error
			}
			opErr := ErrorFromObject(obj, ErrorKindInvoke,
				fmt.Sprintf("invocation of %s ended with status %s", functionName, op.Status))
			opErr.Kind = ErrorKindInvoke
			return failed[O](opErr)

		default:
			if dc.waitBeforeContinue(continueOptions{opID: h.id, poll: true}) {
				return suspended[O](dc.terminate(ReasonOperationTerminated,
					fmt.Sprintf("waiting for invocation of %s", functionName), nil))
			}
		}
	}
}
