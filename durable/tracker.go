package durable

import "sync"

// activeTracker counts work that must finish before the invocation may be
// suspended: running step functions and in-flight checkpoint requests.
// Combinator steps and child context bodies are not counted, because they
// only wait on other operations.
type activeTracker struct {
	mu      sync.Mutex
	count   int
	drained chan struct{}

	onChange func(int)
}

func newActiveTracker(onChange func(int)) *activeTracker {
	d := make(chan struct{})
	close(d)
	return &activeTracker{drained: d, onChange: onChange}
}

// Increment marks one more operation as running.
func (t *activeTracker) Increment() {
	t.mu.Lock()
	if t.count == 0 {
		t.drained = make(chan struct{})
	}
	t.count++
	n := t.count
	t.mu.Unlock()
	if t.onChange != nil {
		t.onChange(n)
	}
}

// Decrement marks one operation as finished. The count never goes below zero.
func (t *activeTracker) Decrement() {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return
	}
	t.count--
	n := t.count
	if n == 0 {
		close(t.drained)
	}
	t.mu.Unlock()
	if t.onChange != nil {
		t.onChange(n)
	}
}

// HasActive reports whether any operation is running.
func (t *activeTracker) HasActive() bool {
	return t.Count() > 0
}

// Count returns the number of running operations.
func (t *activeTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Drained returns a channel closed once the count reaches zero. When nothing
// is running the channel is already closed.
func (t *activeTracker) Drained() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drained
}

// Track runs fn while counted as active.
func (t *activeTracker) Track(fn func()) {
	t.Increment()
	defer t.Decrement()
	fn()
}
