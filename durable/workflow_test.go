package durable_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/oplog"
	"github.com/dshills/durable-go/durable/store"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	log   *oplog.Log
	clock *manualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	l := oplog.New(store.NewMemStore(), oplog.WithClock(clock))
	t.Cleanup(func() { _ = l.Close() })
	return &harness{log: l, clock: clock}
}

func (h *harness) options(extra ...durable.Option) []durable.Option {
	return append([]durable.Option{
		durable.WithLogClient(h.log),
		durable.WithClock(h.clock),
		durable.WithSettleDelay(time.Millisecond),
		durable.WithTerminationWarmup(20 * time.Millisecond),
		durable.WithPollInterval(10 * time.Millisecond),
	}, extra...)
}

// timer jumps the shared clock forward instead of sleeping.
func (h *harness) timer() oplog.RunnerOption {
	return oplog.WithTimer(func(d time.Duration) <-chan time.Time {
		h.clock.Advance(d)
		ch := make(chan time.Time, 1)
		ch <- h.clock.Now()
		return ch
	})
}

func handlerFor[I, O any](t *testing.T, h *harness, fn durable.HandlerFunc[I, O], extra ...durable.Option) durable.InvocationHandler {
	t.Helper()
	handler, err := durable.WithDurableExecution(fn, h.options(extra...)...)
	if err != nil {
		t.Fatal(err)
	}
	return handler
}

func runWorkflow[I, O any](t *testing.T, h *harness, fn durable.HandlerFunc[I, O], input I, extra ...durable.Option) (O, *oplog.Result) {
	t.Helper()
	data, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	payload := string(data)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := oplog.NewRunner(h.log, handlerFor(t, h, fn, extra...), h.timer()).Run(ctx, oplog.StartExecutionRequest{
		FunctionName: "workflow",
		Payload:      &payload,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var out O
	if res.Status == durable.InvocationSucceeded && res.Result != nil {
		if err := json.Unmarshal([]byte(*res.Result), &out); err != nil {
			t.Fatalf("decode result %q: %v", *res.Result, err)
		}
	}
	return out, res
}

func expectSucceeded(t *testing.T, res *oplog.Result) {
	t.Helper()
	if res.Status != durable.InvocationSucceeded {
		t.Fatalf("status %s, error %+v", res.Status, res.Error)
	}
}

func TestStepResultIsReplayed(t *testing.T) {
	h := newHarness(t)
	var a, b atomic.Int32

	out, res := runWorkflow(t, h, func(dc *durable.Context, prefix string) (string, error) {
		first, err := durable.Step(dc, "first", func(durable.StepContext) (string, error) {
			a.Add(1)
			return prefix + "-a", nil
		}).Await(dc)
		if err != nil {
			return "", err
		}
		if _, err := durable.Wait(dc, "pause", durable.Seconds(30)).Await(dc); err != nil {
			return "", err
		}
		second, err := durable.Step(dc, "second", func(durable.StepContext) (string, error) {
			b.Add(1)
			return "b", nil
		}).Await(dc)
		return first + "-" + second, err
	}, "x")

	expectSucceeded(t, res)
	if out != "x-a-b" {
		t.Errorf("result %q", out)
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("steps ran %d and %d times, want once each", a.Load(), b.Load())
	}
	if res.Invocations != 2 {
		t.Errorf("invocations %d, want 2", res.Invocations)
	}
}

func TestStepRetriesAcrossInvocations(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var attempts []int

	retry := durable.MustRetryStrategy(durable.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: durable.Seconds(1),
		Jitter:       durable.JitterNone,
	})
	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (int, error) {
		return durable.Step(dc, "flaky", func(sc durable.StepContext) (int, error) {
			mu.Lock()
			attempts = append(attempts, sc.Attempt())
			mu.Unlock()
			if sc.Attempt() < 3 {
				return 0, errors.New("not yet")
			}
			return sc.Attempt(), nil
		}, durable.StepConfig[int]{Retry: retry}).Await(dc)
	}, struct{}{})

	expectSucceeded(t, res)
	if out != 3 {
		t.Errorf("result %d, want 3", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Errorf("attempts %v", attempts)
	}
}

func TestStepRetryExhausted(t *testing.T) {
	h := newHarness(t)
	retry := durable.MustRetryStrategy(durable.RetryConfig{MaxAttempts: 2, InitialDelay: durable.Seconds(1), Jitter: durable.JitterNone})

	_, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (int, error) {
		return durable.Step(dc, "broken", func(durable.StepContext) (int, error) {
			return 0, errors.New("boom")
		}, durable.StepConfig[int]{Retry: retry}).Await(dc)
	}, struct{}{})

	if res.Status != durable.InvocationFailed {
		t.Fatalf("status %s", res.Status)
	}
	if res.Error == nil || res.Error.ErrorType != "StepError" || res.Error.ErrorMessage != "boom" {
		t.Errorf("error %+v", res.Error)
	}
}

func TestNonDeterministicReplayFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1 := handlerFor(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		if _, err := durable.Step(dc, "charge", func(durable.StepContext) (string, error) { return "ok", nil }).Await(dc); err != nil {
			return "", err
		}
		_, err := durable.Wait(dc, "pause", durable.Minutes(1)).Await(dc)
		return "done", err
	})
	var ran atomic.Bool
	v2 := handlerFor(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		return durable.Step(dc, "refund", func(durable.StepContext) (string, error) {
			ran.Store(true)
			return "ok", nil
		}).Await(dc)
	})

	inv, err := h.log.StartExecution(ctx, oplog.StartExecutionRequest{FunctionName: "workflow"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := v1(ctx, inv.InvocationInput)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != durable.InvocationPending {
		t.Fatalf("first invocation %s", out.Status)
	}
	if _, err := h.log.CompleteInvocation(ctx, oplog.CompleteInvocationRequest{
		DurableExecutionArn: inv.DurableExecutionArn, InvocationID: inv.InvocationID, Output: out,
	}); err != nil {
		t.Fatal(err)
	}

	next, err := h.log.StartInvocation(ctx, inv.DurableExecutionArn)
	if err != nil {
		t.Fatal(err)
	}
	out, err = v2(ctx, next.InvocationInput)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != durable.InvocationFailed || out.Error.ErrorType != string(durable.ReasonNonDeterministic) {
		t.Fatalf("second invocation %+v", out)
	}
	if ran.Load() {
		t.Error("mismatched step body ran")
	}
}

func TestChildContextResultIsReplayed(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32

	out, res := runWorkflow(t, h, func(dc *durable.Context, n int) (int, error) {
		total, err := durable.RunInChildContext(dc, "sum", func(child *durable.Context) (int, error) {
			return durable.Step(child, "add", func(durable.StepContext) (int, error) {
				calls.Add(1)
				return n + 1, nil
			}).Await(child)
		}).Await(dc)
		if err != nil {
			return 0, err
		}
		if _, err := durable.Wait(dc, "pause", durable.Seconds(5)).Await(dc); err != nil {
			return 0, err
		}
		return total * 10, nil
	}, 4)

	expectSucceeded(t, res)
	if out != 50 {
		t.Errorf("result %d, want 50", out)
	}
	if calls.Load() != 1 {
		t.Errorf("child step ran %d times", calls.Load())
	}
}

func TestCallbackCompletedExternally(t *testing.T) {
	h := newHarness(t)
	ids := make(chan string, 4)

	go func() {
		id := <-ids
		if err := h.log.SucceedCallback(context.Background(), id, durable.StringPtr("approved")); err != nil {
			t.Errorf("succeed callback: %v", err)
		}
	}()

	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		cb, err := durable.CreateCallback[string](dc, "approval").Await(dc)
		if err != nil {
			return "", err
		}
		select {
		case ids <- cb.ID:
		default:
		}
		return cb.Await(dc)
	}, struct{}{})

	expectSucceeded(t, res)
	if out != "approved" {
		t.Errorf("result %q", out)
	}
}

func TestCallbackTimeout(t *testing.T) {
	h := newHarness(t)

	_, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		cb, err := durable.CreateCallback(dc, "approval", durable.CallbackConfig[string]{Timeout: durable.Seconds(30)}).Await(dc)
		if err != nil {
			return "", err
		}
		return cb.Await(dc)
	}, struct{}{})

	if res.Status != durable.InvocationFailed {
		t.Fatalf("status %s", res.Status)
	}
	if res.Error == nil || res.Error.ErrorType != "CallbackError" {
		t.Errorf("error %+v", res.Error)
	}
}

func TestWaitForCallbackSubmitsOnce(t *testing.T) {
	h := newHarness(t)
	var submits atomic.Int32

	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		return durable.WaitForCallback[string](dc, "review", func(_ durable.StepContext, id string) error {
			submits.Add(1)
			go func() {
				_ = h.log.SucceedCallback(context.Background(), id, durable.StringPtr("lgtm"))
			}()
			return nil
		}).Await(dc)
	}, struct{}{})

	expectSucceeded(t, res)
	if out != "lgtm" {
		t.Errorf("result %q", out)
	}
	if submits.Load() != 1 {
		t.Errorf("submitter ran %d times", submits.Load())
	}
}

func TestMap(t *testing.T) {
	t.Run("all items succeed", func(t *testing.T) {
		h := newHarness(t)
		out, res := runWorkflow(t, h, func(dc *durable.Context, items []int) (int, error) {
			batch, err := durable.Map(dc, "double", items, func(child *durable.Context, item, _ int) (int, error) {
				return durable.Step(child, "times-two", func(durable.StepContext) (int, error) { return item * 2, nil }).Await(child)
			}, durable.MapConfig[int]{MaxConcurrency: 2}).Await(dc)
			if err != nil {
				return 0, err
			}
			sum := 0
			for _, v := range batch.Results() {
				sum += v
			}
			return sum, nil
		}, []int{1, 2, 3, 4})

		expectSucceeded(t, res)
		if out != 20 {
			t.Errorf("sum %d, want 20", out)
		}
	})

	t.Run("failed items are reported", func(t *testing.T) {
		h := newHarness(t)
		out, res := runWorkflow(t, h, func(dc *durable.Context, items []int) ([]int, error) {
			batch, err := durable.Map(dc, "check", items, func(_ *durable.Context, item, _ int) (int, error) {
				if item == 3 {
					return 0, errors.New("three is not allowed")
				}
				return item, nil
			}).Await(dc)
			if err != nil {
				return nil, err
			}
			if batch.FailureCount() != 1 || batch.CompletionReason != durable.CompletionAllCompleted {
				return nil, fmt.Errorf("failures %d, reason %s", batch.FailureCount(), batch.CompletionReason)
			}
			if !strings.Contains(batch.Errors()[0].Error(), "three") {
				return nil, fmt.Errorf("unexpected item error %v", batch.Errors()[0])
			}
			return batch.Results(), nil
		}, []int{1, 2, 3, 4})

		expectSucceeded(t, res)
		if fmt.Sprint(out) != "[1 2 4]" {
			t.Errorf("results %v", out)
		}
	})
}

func TestParallel(t *testing.T) {
	h := newHarness(t)
	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) ([]string, error) {
		batch, err := durable.Parallel(dc, "fan-out", []durable.ParallelBranch[string]{
			{Name: "left", Func: func(child *durable.Context) (string, error) { return "l", nil }},
			{Name: "right", Func: func(child *durable.Context) (string, error) {
				return durable.Step(child, "compute", func(durable.StepContext) (string, error) { return "r", nil }).Await(child)
			}},
		}).Await(dc)
		if err != nil {
			return nil, err
		}
		if err := batch.ThrowIfError(); err != nil {
			return nil, err
		}
		return batch.Results(), nil
	}, struct{}{})

	expectSucceeded(t, res)
	if len(out) != 2 {
		t.Fatalf("results %v", out)
	}
	got := map[string]bool{out[0]: true, out[1]: true}
	if !got["l"] || !got["r"] {
		t.Errorf("results %v", out)
	}
}

func TestCombinators(t *testing.T) {
	t.Run("all", func(t *testing.T) {
		h := newHarness(t)
		out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) ([]int, error) {
			one := durable.Step(dc, "one", func(durable.StepContext) (int, error) { return 1, nil })
			two := durable.Step(dc, "two", func(durable.StepContext) (int, error) { return 2, nil })
			return durable.All(dc, "both", one, two).Await(dc)
		}, struct{}{})

		expectSucceeded(t, res)
		if fmt.Sprint(out) != "[1 2]" {
			t.Errorf("results %v", out)
		}
	})

	t.Run("all settled", func(t *testing.T) {
		h := newHarness(t)
		out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) ([]string, error) {
			ok := durable.Step(dc, "ok", func(durable.StepContext) (int, error) { return 1, nil })
			bad := durable.Step(dc, "bad", func(durable.StepContext) (int, error) {
				return 0, errors.New("nope")
			}, durable.StepConfig[int]{Retry: durable.RetryPresets.NoRetry})
			settled, err := durable.AllSettled(dc, "settle", ok, bad).Await(dc)
			if err != nil {
				return nil, err
			}
			var statuses []string
			for _, s := range settled {
				statuses = append(statuses, string(s.Status))
			}
			return statuses, nil
		}, struct{}{})

		expectSucceeded(t, res)
		if len(out) != 2 || out[0] != string(durable.SettledFulfilled) || out[1] != string(durable.SettledRejected) {
			t.Errorf("statuses %v", out)
		}
	})
}

func TestInvokeRunsChainedFunction(t *testing.T) {
	h := newHarness(t)
	h.log.Register("double", handlerFor(t, h, func(dc *durable.Context, n int) (int, error) {
		return n * 2, nil
	}))

	out, res := runWorkflow(t, h, func(dc *durable.Context, n int) (int, error) {
		return durable.Invoke[int, int](dc, "call-double", "double", n).Await(dc)
	}, 7)

	expectSucceeded(t, res)
	if out != 14 {
		t.Errorf("result %d, want 14", out)
	}
}

func TestWaitForCondition(t *testing.T) {
	h := newHarness(t)
	var checks atomic.Int32

	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (int, error) {
		return durable.WaitForCondition(dc, "ready", func(_ durable.StepContext, n int) (int, error) {
			checks.Add(1)
			return n + 1, nil
		}, durable.WaitForConditionConfig[int]{
			WaitStrategy: durable.NewWaitStrategy(durable.WaitStrategyConfig[int]{
				ShouldContinuePolling: func(n int) bool { return n < 3 },
				InitialDelay:          durable.Seconds(1),
			}),
		}).Await(dc)
	}, struct{}{})

	expectSucceeded(t, res)
	if out != 3 {
		t.Errorf("state %d, want 3", out)
	}
	if checks.Load() != 3 {
		t.Errorf("checked %d times, want 3", checks.Load())
	}
}

func TestLargeResultIsCheckpointed(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("z", 64)

	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		return long, nil
	}, struct{}{}, durable.WithMaxResultSize(16))

	expectSucceeded(t, res)
	if out != long {
		t.Errorf("result %q", out)
	}
}

// recordingHandler keeps the message of every record it receives.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (r *recordingHandler) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, rec.Message)
	r.mu.Unlock()
	return nil
}

func (r *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return r }

func (r *recordingHandler) WithGroup(string) slog.Handler { return r }

func (r *recordingHandler) count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

// start creates an execution without invoking it.
func (h *harness) start(t *testing.T) *oplog.Invocation {
	t.Helper()
	payload := "{}"
	inv, err := h.log.StartExecution(context.Background(), oplog.StartExecutionRequest{FunctionName: "workflow", Payload: &payload})
	if err != nil {
		t.Fatal(err)
	}
	return inv
}

// next begins the following invocation of arn.
func (h *harness) next(t *testing.T, arn string) *oplog.Invocation {
	t.Helper()
	inv, err := h.log.StartInvocation(context.Background(), arn)
	if err != nil {
		t.Fatal(err)
	}
	return inv
}

// invokeOnce runs one invocation and reports its outcome to the log.
func (h *harness) invokeOnce(t *testing.T, handler durable.InvocationHandler, inv *oplog.Invocation) (*durable.InvocationOutput, error) {
	t.Helper()
	ctx := context.Background()
	out, err := handler(ctx, inv.InvocationInput)
	req := oplog.CompleteInvocationRequest{DurableExecutionArn: inv.DurableExecutionArn, InvocationID: inv.InvocationID, Output: out}
	if err != nil {
		req.Output = nil
		req.Error = &durable.ErrorObject{ErrorType: "InvocationError", ErrorMessage: err.Error()}
	}
	if _, cerr := h.log.CompleteInvocation(ctx, req); cerr != nil {
		t.Fatal(cerr)
	}
	return out, err
}

// operation returns the record of type typ named name, or nil.
func (h *harness) operation(t *testing.T, arn string, typ durable.OperationType, name string) *durable.Operation {
	t.Helper()
	ops, err := h.log.Operations(context.Background(), arn)
	if err != nil {
		t.Fatal(err)
	}
	for i := range ops {
		if ops[i].Type == typ && ops[i].NameValue() == name {
			return &ops[i]
		}
	}
	return nil
}

func expectStatus(t *testing.T, out *durable.InvocationOutput, err error, want durable.InvocationStatus) {
	t.Helper()
	if err != nil {
		t.Fatalf("invocation error: %v", err)
	}
	if out.Status != want {
		t.Fatalf("status %s, want %s (error %+v)", out.Status, want, out.Error)
	}
}

func TestLogsAfterLastReplayedOperation(t *testing.T) {
	h := newHarness(t)
	rec := &recordingHandler{}
	var mu sync.Mutex
	var modes []durable.Mode

	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		dc.Logger().Info("before-wait")
		if _, err := durable.Wait(dc, "pause", durable.Seconds(5)).Await(dc); err != nil {
			return "", err
		}
		mu.Lock()
		modes = append(modes, dc.Mode())
		mu.Unlock()
		dc.Logger().Info("after-wait")
		return "done", nil
	}, struct{}{}, durable.WithLogger(slog.New(rec)))

	expectSucceeded(t, res)
	if out != "done" || res.Invocations != 2 {
		t.Fatalf("result %q after %d invocations", out, res.Invocations)
	}
	if n := rec.count("before-wait"); n != 1 {
		t.Errorf("before-wait logged %d times, want 1", n)
	}
	if n := rec.count("after-wait"); n != 1 {
		t.Errorf("after-wait logged %d times, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(modes) != 1 || modes[0] != durable.ModeExecution {
		t.Errorf("modes after the wait %v, want [EXECUTION]", modes)
	}
}

func TestReplayKeepsModeUntilHistoryIsConsumed(t *testing.T) {
	h := newHarness(t)
	rec := &recordingHandler{}

	_, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (int, error) {
		n, err := durable.Step(dc, "first", func(durable.StepContext) (int, error) { return 1, nil }).Await(dc)
		if err != nil {
			return 0, err
		}
		dc.Logger().Info("between")
		if _, err := durable.Wait(dc, "pause", durable.Seconds(5)).Await(dc); err != nil {
			return 0, err
		}
		return n, nil
	}, struct{}{}, durable.WithLogger(slog.New(rec)))

	expectSucceeded(t, res)
	if n := rec.count("between"); n != 1 {
		t.Errorf("between logged %d times, want 1", n)
	}
}

func TestUnawaitedOperationsWriteNothing(t *testing.T) {
	h := newHarness(t)
	var ran atomic.Int32

	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		for i := 0; i < 3; i++ {
			durable.Step(dc, fmt.Sprintf("lazy-%d", i), func(durable.StepContext) (int, error) {
				ran.Add(1)
				return i, nil
			})
		}
		durable.Wait(dc, "lazy-wait", durable.Seconds(10))
		durable.RunInChildContext(dc, "lazy-child", func(*durable.Context) (int, error) {
			ran.Add(1)
			return 0, nil
		})
		return "done", nil
	}, struct{}{})

	expectSucceeded(t, res)
	if out != "done" || res.Invocations != 1 {
		t.Errorf("result %q after %d invocations", out, res.Invocations)
	}
	if ran.Load() != 0 {
		t.Errorf("%d operation bodies ran", ran.Load())
	}
	ops, err := h.log.Operations(context.Background(), res.Arn)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Type != durable.OperationTypeExecution {
		t.Errorf("recorded %d operations, want only the execution", len(ops))
	}
}

func TestWaitResumesWithRemainingTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := handlerFor(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		if _, err := durable.Wait(dc, "cool-off", durable.Seconds(60)).Await(dc); err != nil {
			return "", err
		}
		return "done", nil
	})

	inv := h.start(t)
	arn := inv.DurableExecutionArn
	end := h.clock.Now().Add(60 * time.Second)

	out, err := h.invokeOnce(t, handler, inv)
	expectStatus(t, out, err, durable.InvocationPending)
	if got := h.operation(t, arn, durable.OperationTypeWait, "cool-off").WaitDetails.ScheduledEndTimestamp.Time(); !got.Equal(end) {
		t.Fatalf("scheduled end %v, want %v", got, end)
	}

	h.clock.Advance(45 * time.Second)
	out, err = h.invokeOnce(t, handler, h.next(t, arn))
	expectStatus(t, out, err, durable.InvocationPending)
	if got := h.operation(t, arn, durable.OperationTypeWait, "cool-off").WaitDetails.ScheduledEndTimestamp.Time(); !got.Equal(end) {
		t.Errorf("resumed wait moved its end to %v, want %v", got, end)
	}
	due, err := h.log.Advance(ctx, arn)
	if err != nil {
		t.Fatal(err)
	}
	if left := due.Sub(h.clock.Now()); left != 15*time.Second {
		t.Errorf("remaining wait %v, want 15s", left)
	}

	h.clock.Advance(15 * time.Second)
	out, err = h.invokeOnce(t, handler, h.next(t, arn))
	expectStatus(t, out, err, durable.InvocationSucceeded)
	if out.Result != `"done"` {
		t.Errorf("result %q", out.Result)
	}
}

func TestFailingSubmitterLeavesCallbackStarted(t *testing.T) {
	h := newHarness(t)
	var submits atomic.Int32
	handler := handlerFor(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		return durable.WaitForCallback[string](dc, "review", func(durable.StepContext, string) error {
			submits.Add(1)
			return errors.New("ticket system down")
		}).Await(dc)
	})

	inv := h.start(t)
	arn := inv.DurableExecutionArn
	out, err := h.invokeOnce(t, handler, inv)
	expectStatus(t, out, err, durable.InvocationPending)

	if submits.Load() != 1 {
		t.Errorf("submitter ran %d times", submits.Load())
	}
	tests := []struct {
		typ  durable.OperationType
		name string
		want durable.OperationStatus
	}{
		{durable.OperationTypeContext, "review", durable.StatusStarted},
		{durable.OperationTypeCallback, "review", durable.StatusStarted},
		{durable.OperationTypeStep, "submitter", durable.StatusPending},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			op := h.operation(t, arn, tt.typ, tt.name)
			if op == nil {
				t.Fatalf("no %s record named %q", tt.typ, tt.name)
			}
			if op.Status != tt.want {
				t.Errorf("status %s, want %s", op.Status, tt.want)
			}
		})
	}
}

func TestLargeChildResultIsRegenerated(t *testing.T) {
	h := newHarness(t)
	var steps atomic.Int32

	out, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (int, error) {
		page, err := durable.RunInChildContext(dc, "render", func(child *durable.Context) (string, error) {
			chunk, err := durable.Step(child, "chunk", func(durable.StepContext) (string, error) {
				steps.Add(1)
				return "ab", nil
			}).Await(child)
			if err != nil {
				return "", err
			}
			return strings.Repeat(chunk, 150_000), nil
		}).Await(dc)
		if err != nil {
			return 0, err
		}
		if _, err := durable.Wait(dc, "pause", durable.Seconds(5)).Await(dc); err != nil {
			return 0, err
		}
		return len(page), nil
	}, struct{}{})

	expectSucceeded(t, res)
	if out != 300_000 || res.Invocations != 2 {
		t.Errorf("length %d after %d invocations", out, res.Invocations)
	}
	if steps.Load() != 1 {
		t.Errorf("nested step ran %d times", steps.Load())
	}
	op := h.operation(t, res.Arn, durable.OperationTypeContext, "render")
	if op == nil || op.ContextDetails == nil || !op.ContextDetails.ReplayChildren {
		t.Fatalf("context record %+v not marked for replay", op)
	}
	if r := op.ContextDetails.Result; r != nil && *r != "" {
		t.Errorf("stored %d bytes of result", len(*r))
	}
}

// brokenSerdes fails in both directions.
type brokenSerdes struct{}

func (brokenSerdes) Serialize(durable.SerdesContext, string) (*string, error) {
	return nil, errors.New("cannot encode")
}

func (brokenSerdes) Deserialize(durable.SerdesContext, *string) (string, error) {
	return "", errors.New("cannot decode")
}

func TestSerdesFailureEndsInvocation(t *testing.T) {
	h := newHarness(t)
	handler := handlerFor(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		_, err := durable.Step(dc, "encode", func(durable.StepContext) (string, error) {
			return "secret", nil
		}, durable.StepConfig[string]{Serdes: brokenSerdes{}}).Await(dc)
		if err != nil {
			return "recovered", nil
		}
		return "encoded", nil
	})

	inv := h.start(t)
	out, err := h.invokeOnce(t, handler, inv)
	var te *durable.TerminationError
	if !errors.As(err, &te) || te.Reason != durable.ReasonSerdesFailed {
		t.Fatalf("output %+v, error %v, want SERDES_FAILED", out, err)
	}
	if out != nil {
		t.Errorf("invocation returned output %+v", out)
	}
	exec, err := h.log.Execution(context.Background(), inv.DurableExecutionArn)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecutionRunning {
		t.Errorf("execution %s, want it left running", exec.Status)
	}
	if op := h.operation(t, inv.DurableExecutionArn, durable.OperationTypeStep, "encode"); op == nil || op.Status != durable.StatusStarted {
		t.Errorf("step record %+v, want STARTED", op)
	}
}

func TestStepFoundStartedOnReplay(t *testing.T) {
	tests := []struct {
		desc      string
		semantics durable.StepSemantics
		wantRuns  int32
		want      durable.InvocationStatus
		wantStep  durable.OperationStatus
	}{
		{"at least once re-runs", durable.AtLeastOncePerRetry, 1, durable.InvocationSucceeded, durable.StatusSucceeded},
		{"at most once retries later", durable.AtMostOncePerRetry, 0, durable.InvocationPending, durable.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			var runs atomic.Int32
			handler := handlerFor(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
				return durable.Step(dc, "charge", func(durable.StepContext) (string, error) {
					runs.Add(1)
					return "charged", nil
				}, durable.StepConfig[string]{Semantics: tt.semantics}).Await(dc)
			})

			// An earlier invocation started the step and died before reporting.
			inv := h.start(t)
			arn := inv.DurableExecutionArn
			if _, err := h.log.Checkpoint(ctx, durable.CheckpointRequest{
				DurableExecutionArn: arn,
				CheckpointToken:     inv.CheckpointToken,
				Updates: []durable.OperationUpdate{{
					ID:      durable.HashID(durable.StepPath("", 1)),
					Type:    durable.OperationTypeStep,
					SubType: durable.SubTypeStep,
					Name:    durable.StringPtr("charge"),
					Action:  durable.ActionStart,
				}},
			}); err != nil {
				t.Fatal(err)
			}
			if _, err := h.log.CompleteInvocation(ctx, oplog.CompleteInvocationRequest{
				DurableExecutionArn: arn,
				InvocationID:        inv.InvocationID,
				Output:              &durable.InvocationOutput{Status: durable.InvocationPending},
			}); err != nil {
				t.Fatal(err)
			}

			out, err := h.invokeOnce(t, handler, h.next(t, arn))
			expectStatus(t, out, err, tt.want)
			if runs.Load() != tt.wantRuns {
				t.Errorf("step ran %d times, want %d", runs.Load(), tt.wantRuns)
			}
			if op := h.operation(t, arn, durable.OperationTypeStep, "charge"); op.Status != tt.wantStep {
				t.Errorf("step %s, want %s", op.Status, tt.wantStep)
			}
		})
	}
}

func TestParentContextInsideStepFails(t *testing.T) {
	h := newHarness(t)
	var inner atomic.Int32

	_, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (string, error) {
		return durable.Step(dc, "outer", func(durable.StepContext) (string, error) {
			return durable.Step(dc, "inner", func(durable.StepContext) (string, error) {
				inner.Add(1)
				return "x", nil
			}).Await(dc)
		}).Await(dc)
	}, struct{}{})

	if res.Status != durable.InvocationFailed {
		t.Fatalf("status %s", res.Status)
	}
	if res.Error == nil || res.Error.ErrorType != string(durable.ReasonContextValidationError) {
		t.Errorf("error %+v", res.Error)
	}
	if inner.Load() != 0 {
		t.Error("step created on a busy context ran")
	}
}

// unreadableState encodes ints but cannot decode what it wrote.
type unreadableState struct{}

func (unreadableState) Serialize(_ durable.SerdesContext, n int) (*string, error) {
	s := strconv.Itoa(n)
	return &s, nil
}

func (unreadableState) Deserialize(durable.SerdesContext, *string) (int, error) {
	return 0, errors.New("state format changed")
}

func TestWaitForConditionUnreadableState(t *testing.T) {
	tests := []struct {
		desc   string
		strict bool
		want   []int
	}{
		{"falls back to initial state", false, []int{100, 100}},
		{"strict state terminates", true, []int{100}},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			h := newHarness(t)
			var mu sync.Mutex
			var seen []int
			handler := handlerFor(t, h, func(dc *durable.Context, _ struct{}) (int, error) {
				return durable.WaitForCondition(dc, "ready", func(_ durable.StepContext, n int) (int, error) {
					mu.Lock()
					seen = append(seen, n)
					mu.Unlock()
					return n + 1, nil
				}, durable.WaitForConditionConfig[int]{
					InitialState: 100,
					Serdes:       unreadableState{},
					StrictState:  tt.strict,
					WaitStrategy: func(_ int, attempt int) (durable.WaitDecision, error) {
						return durable.WaitDecision{ShouldContinue: attempt < 2, Delay: durable.Seconds(1)}, nil
					},
				}).Await(dc)
			})

			inv := h.start(t)
			arn := inv.DurableExecutionArn
			out, err := h.invokeOnce(t, handler, inv)
			expectStatus(t, out, err, durable.InvocationPending)

			h.clock.Advance(time.Second)
			out, err = h.invokeOnce(t, handler, h.next(t, arn))
			if tt.strict {
				var te *durable.TerminationError
				if !errors.As(err, &te) || te.Reason != durable.ReasonSerdesFailed {
					t.Fatalf("output %+v, error %v, want SERDES_FAILED", out, err)
				}
			} else {
				expectStatus(t, out, err, durable.InvocationSucceeded)
				if out.Result != "101" {
					t.Errorf("result %q, want 101", out.Result)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if fmt.Sprint(seen) != fmt.Sprint(tt.want) {
				t.Errorf("checks saw %v, want %v", seen, tt.want)
			}
		})
	}
}

func TestMetricsRecordWorkflow(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	retry := durable.MustRetryStrategy(durable.RetryConfig{MaxAttempts: 2, InitialDelay: durable.Seconds(1), Jitter: durable.JitterNone})

	_, res := runWorkflow(t, h, func(dc *durable.Context, _ struct{}) (int, error) {
		return durable.Step(dc, "flaky", func(sc durable.StepContext) (int, error) {
			if sc.Attempt() == 1 {
				return 0, errors.New("not yet")
			}
			return sc.Attempt(), nil
		}, durable.StepConfig[int]{Retry: retry}).Await(dc)
	}, struct{}{}, durable.WithMetrics(durable.NewPrometheusMetrics(reg)))
	expectSucceeded(t, res)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	sum := func(name string, labels map[string]string) float64 {
		total := 0.0
		for _, mf := range families {
			if mf.GetName() != name {
				continue
			}
		metrics:
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
						continue metrics
					}
				}
				total += m.GetCounter().GetValue() + m.GetGauge().GetValue() + float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}

	tests := []struct {
		name   string
		labels map[string]string
		check  func(float64) bool
		want   string
	}{
		{"durable_retries_total", map[string]string{"type": "STEP"}, func(v float64) bool { return v == 1 }, "1"},
		{"durable_checkpoints_total", map[string]string{"action": "RETRY"}, func(v float64) bool { return v == 1 }, "1"},
		{"durable_checkpoints_total", map[string]string{"action": "SUCCEED"}, func(v float64) bool { return v >= 1 }, ">= 1"},
		{"durable_suspensions_total", nil, func(v float64) bool { return v >= 1 }, ">= 1"},
		{"durable_operation_latency_ms", map[string]string{"type": "STEP", "status": "SUCCEEDED"}, func(v float64) bool { return v == 1 }, "1"},
		{"durable_replay_mismatches_total", nil, func(v float64) bool { return v == 0 }, "0"},
		{"durable_active_operations", nil, func(v float64) bool { return v == 0 }, "0"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.name, tt.labels), func(t *testing.T) {
			if v := sum(tt.name, tt.labels); !tt.check(v) {
				t.Errorf("%s%v = %g, want %s", tt.name, tt.labels, v, tt.want)
			}
		})
	}
}
