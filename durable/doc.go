// Package durable runs workflows that survive process restarts by recording
// every side-effecting operation in a durable log and replaying the workflow
// from the start on each invocation.
//
// A workflow is a HandlerFunc wrapped with WithDurableExecution. Inside it,
// every operation is created through the explicit *Context:
//
//	durable.Step(dc, "charge", chargeCard)           // run code once, record the result
//	durable.Wait(dc, "cool-off", durable.Hours(1))    // sleep without holding a process
//	durable.CreateCallback[Approval](dc, "approval")  // wait for an external system
//	durable.Invoke[Req, Resp](dc, "ship", "shipper", req)
//	durable.RunInChildContext(dc, "batch", fn)        // group operations
//	durable.Map(dc, "items", items, fn)               // concurrent child contexts
//	durable.WaitForCondition(dc, "ready", check, cfg) // poll with backoff
//
// Constructors record intent and return a *Future; nothing runs until the
// future is awaited. On replay, operations already recorded in the log return
// their recorded outcome without running user code. An operation that cannot
// finish in the current invocation (a wait that is not due, a retry that is
// scheduled, a callback nobody completed) suspends: Await returns an error
// matching ErrSuspended and the invocation returns PENDING, to be invoked
// again once the pending work is due.
//
// Operation ids are derived from call order (see StepPath and HashID), so a
// workflow must create its operations in the same order on every replay. A
// divergence is detected and terminates the invocation with
// NON_DETERMINISTIC_EXECUTION.
package durable
