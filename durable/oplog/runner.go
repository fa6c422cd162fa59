package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/store"
)

// ErrTooManyInvocations is returned when an execution is still running after
// the runner's invocation limit.
var ErrTooManyInvocations = errors.New("too many invocations")

// Default runner limits.
const (
	DefaultMaxInvocations   = 1000
	DefaultMaxInvokeRetries = 3
)

// Result is the final state of an execution driven by a Runner.
type Result struct {
	Arn         string
	Status      durable.InvocationStatus
	Result      *string
	Error       *durable.ErrorObject
	Invocations int
}

// Runner drives an execution to completion in-process: it invokes the
// handler, records each invocation and, while the execution is pending,
// waits for its next timer or an external event before invoking again.
type Runner struct {
	log            *Log
	handler        durable.InvocationHandler
	logger         *slog.Logger
	after          func(time.Duration) <-chan time.Time
	maxInvocations int
	maxRetries     int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner's logger. It defaults to the log's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithTimer replaces time.After for waits between invocations. Tests that
// drive a manual clock use it to advance the clock instead of sleeping.
func WithTimer(after func(time.Duration) <-chan time.Time) RunnerOption {
	return func(r *Runner) { r.after = after }
}

// WithMaxInvocations bounds the number of invocations of one execution.
func WithMaxInvocations(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxInvocations = n
		}
	}
}

// WithMaxInvokeRetries bounds consecutive invocations that fail with an
// error instead of an output.
func WithMaxInvokeRetries(n int) RunnerOption {
	return func(r *Runner) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// NewRunner creates a runner of handler on log.
func NewRunner(log *Log, handler durable.InvocationHandler, opts ...RunnerOption) *Runner {
	r := &Runner{
		log:            log,
		handler:        handler,
		logger:         log.logger,
		after:          time.After,
		maxInvocations: DefaultMaxInvocations,
		maxRetries:     DefaultMaxInvokeRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts an execution and drives it until it succeeds or fails.
func (r *Runner) Run(ctx context.Context, req StartExecutionRequest) (*Result, error) {
	inv, err := r.log.StartExecution(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.drive(ctx, inv, 0)
}

// Resume drives an existing execution, for example one left running by a
// previous process.
func (r *Runner) Resume(ctx context.Context, arn string) (*Result, error) {
	version := r.log.version(arn)
	inv, err := r.log.StartInvocation(ctx, arn)
	if IsClosed(err) {
		exec, err := r.log.Execution(ctx, arn)
		if err != nil {
			return nil, err
		}
		return resultOf(exec, 0), nil
	}
	if err != nil {
		return nil, err
	}
	return r.drive(ctx, inv, version)
}

func (r *Runner) drive(ctx context.Context, inv *Invocation, version uint64) (*Result, error) {
	arn := inv.DurableExecutionArn
	invocations, failures := 0, 0

	for {
		invocations++
		out, invokeErr := r.handler(ctx, inv.InvocationInput)

		req := CompleteInvocationRequest{DurableExecutionArn: arn, InvocationID: inv.InvocationID, Output: out}
		if invokeErr != nil {
			req.Output = nil
			req.Error = &durable.ErrorObject{ErrorType: "InvocationError", ErrorMessage: invokeErr.Error()}
		}
		exec, err := r.log.CompleteInvocation(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, fmt.Errorf("complete invocation %s: %w", inv.InvocationID, err)
		}
		if exec.Status.Terminal() {
			r.logger.Debug("execution finished", "execution_arn", arn, "status", exec.Status, "invocations", invocations)
			return resultOf(exec, invocations), nil
		}

		if invokeErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			if failures > r.maxRetries {
				return nil, fmt.Errorf("invocation of %s failed %d times: %w", arn, failures, invokeErr)
			}
			r.logger.Warn("invocation failed, invoking again", "execution_arn", arn, "attempt", failures, "error", invokeErr)
		} else {
			failures = 0
			if err := r.await(ctx, arn, version); err != nil {
				return nil, err
			}
		}

		if invocations >= r.maxInvocations {
			return nil, fmt.Errorf("%w: %s after %d", ErrTooManyInvocations, arn, invocations)
		}

		version = r.log.version(arn)
		inv, err = r.log.StartInvocation(ctx, arn)
		if IsClosed(err) {
			exec, err := r.log.Execution(ctx, arn)
			if err != nil {
				return nil, err
			}
			return resultOf(exec, invocations), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// await blocks until the execution has work to resume: an external write
// since version, a timer coming due, or the execution being closed.
func (r *Runner) await(ctx context.Context, arn string, version uint64) error {
	for {
		changes := r.log.Changes(arn)
		next, err := r.log.Advance(ctx, arn)
		if err != nil {
			return err
		}
		if r.log.version(arn) != version {
			return nil
		}
		exec, err := r.log.Execution(ctx, arn)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return nil
		}

		var timer <-chan time.Time
		if !next.IsZero() {
			d := next.Sub(r.log.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = r.after(d)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
		case <-timer:
		}
	}
}

func resultOf(exec store.Execution, invocations int) *Result {
	res := &Result{
		Arn:         exec.Arn,
		Status:      durable.InvocationFailed,
		Result:      exec.Result,
		Error:       exec.Error,
		Invocations: invocations,
	}
	if exec.Status == store.ExecutionSucceeded {
		res.Status = durable.InvocationSucceeded
	}
	return res
}
