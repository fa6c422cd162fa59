package durable

import (
	"context"
	"sync"
	"sync/atomic"
)

// OutcomeKind classifies how an operation ended in this invocation.
type OutcomeKind int

const (
	// Completed carries the operation's value.
	Completed OutcomeKind = iota
	// Failed carries the operation's error.
	Failed
	// Suspended means the operation cannot finish in this invocation. The
	// invocation has been, or is about to be, handed back to the host.
	Suspended
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Suspended:
		return "Suspended"
	}
	return "Unknown"
}

// Outcome is the three-way result of an operation.
type Outcome[T any] struct {
	Kind  OutcomeKind
	Value T
	// Err is the operation error for Failed and a *SuspendError for Suspended.
	Err error
}

func completed[T any](v T) Outcome[T] { return Outcome[T]{Kind: Completed, Value: v} }

func failed[T any](err error) Outcome[T] { return Outcome[T]{Kind: Failed, Err: err} }

func suspended[T any](se *SuspendError) Outcome[T] { return Outcome[T]{Kind: Suspended, Err: se} }

// Future is the lazy handle returned by every operation.
//
// Creating a Future records nothing. The first Await or Result starts the
// operation's second phase exactly once; every later or concurrent caller
// shares that single run.
type Future[T any] struct {
	owner *Context
	id    string
	// scoped futures mark their owner busy while awaited directly.
	scoped bool
	// op is notified before waiters when the outcome is final.
	op *opHandle

	once    sync.Once
	run     func() Outcome[T]
	started atomic.Bool
	done    chan struct{}
	out     Outcome[T]
}

func newFuture[T any](owner *Context, id string, scoped bool, run func() Outcome[T]) *Future[T] {
	return &Future[T]{
		owner:  owner,
		id:     id,
		scoped: scoped,
		run:    run,
		done:   make(chan struct{}),
	}
}

// newOpFuture is newFuture for the operation h.
func newOpFuture[T any](h *opHandle, scoped bool, run func() Outcome[T]) *Future[T] {
	f := newFuture(h.dc, h.id, scoped, run)
	f.op = h
	return f
}

// resolvedFuture returns a future that already holds out.
func resolvedFuture[T any](owner *Context, out Outcome[T]) *Future[T] {
	f := &Future[T]{owner: owner, done: make(chan struct{}), out: out}
	f.once.Do(func() {})
	f.started.Store(true)
	if out.Kind == Suspended && owner != nil {
		owner.suspended.Store(true)
	}
	close(f.done)
	return f
}

// ID returns the hashed operation id, or "" when the operation was rejected
// before an id was allocated.
func (f *Future[T]) ID() string { return f.id }

// Started reports whether the second phase has begun.
func (f *Future[T]) Started() bool { return f.started.Load() }

func (f *Future[T]) start() {
	f.once.Do(func() {
		f.started.Store(true)
		go func() {
			out := f.run()
			if out.Kind == Suspended && f.owner != nil {
				f.owner.suspended.Store(true)
			}
			if out.Kind != Suspended && f.op != nil {
				f.op.settled()
			}
			f.out = out
			close(f.done)
		}()
	})
}

// Await starts the operation if needed and waits for it. A suspension is
// returned as a *SuspendError.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	out := f.wait(ctx, true)
	return out.Value, out.Err
}

// Result is Await returning the full outcome.
func (f *Future[T]) Result(ctx context.Context) Outcome[T] {
	return f.wait(ctx, true)
}

// result waits without marking the owner busy. Used by combinators and
// batch operations, which only observe other operations.
func (f *Future[T]) result(ctx context.Context) Outcome[T] {
	return f.wait(ctx, false)
}

func (f *Future[T]) wait(ctx context.Context, direct bool) Outcome[T] {
	if direct && f.scoped && f.owner != nil {
		f.owner.busy.Add(1)
		defer f.owner.busy.Add(-1)
	}
	f.start()

	var term <-chan struct{}
	if f.owner != nil {
		term = f.owner.exec.term.Done()
	}
	select {
	case <-f.done:
		return f.out
	case <-term:
		select {
		case <-f.done:
			return f.out
		default:
		}
		f.owner.suspended.Store(true)
		return suspended[T](f.owner.suspendedOutcome())
	case <-ctx.Done():
		return failed[T](ctx.Err())
	}
}
