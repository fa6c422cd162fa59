package durable

import (
	"sort"
	"sync"
)

// operationIndex is the local mirror of the durable log for one invocation.
//
// Only the checkpoint manager writes to it, when a checkpoint or state
// response arrives. Handlers read snapshots and must re-read after every
// wait because responses land while they are suspended. Every write closes
// the current Changed channel and installs a fresh one.
type operationIndex struct {
	mu      sync.RWMutex
	ops     map[string]*Operation
	changed chan struct{}

	// pending holds ids whose SUCCEED or FAIL update is queued but not yet
	// acknowledged by the durable log.
	pending map[string]int
}

func newOperationIndex(ops []Operation) *operationIndex {
	x := &operationIndex{
		ops:     make(map[string]*Operation, len(ops)),
		changed: make(chan struct{}),
		pending: make(map[string]int),
	}
	for i := range ops {
		x.ops[ops[i].ID] = ops[i].Clone()
	}
	return x
}

// Get returns the current record for id, or nil. The returned operation is
// shared and must not be modified.
func (x *operationIndex) Get(id string) *Operation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ops[id]
}

// Status returns the status of id, or "" when it has no record.
func (x *operationIndex) Status(id string) OperationStatus {
	if op := x.Get(id); op != nil {
		return op.Status
	}
	return ""
}

// Len returns the number of recorded operations.
func (x *operationIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ops)
}

// Changed returns a channel closed at the next write.
func (x *operationIndex) Changed() <-chan struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.changed
}

// apply replaces the records of ops and wakes every reader.
func (x *operationIndex) apply(ops []Operation) {
	if len(ops) == 0 {
		return
	}
	x.mu.Lock()
	for i := range ops {
		x.ops[ops[i].ID] = ops[i].Clone()
	}
	close(x.changed)
	x.changed = make(chan struct{})
	x.mu.Unlock()
}

// Snapshot returns a copy of every record ordered by start time, then id.
func (x *operationIndex) Snapshot() []Operation {
	x.mu.RLock()
	out := make([]Operation, 0, len(x.ops))
	for _, op := range x.ops {
		out = append(out, *op.Clone())
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimestamp != out[j].StartTimestamp {
			return out[i].StartTimestamp < out[j].StartTimestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Execution returns the root EXECUTION record, or nil.
func (x *operationIndex) Execution() *Operation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, op := range x.ops {
		if op.Type == OperationTypeExecution {
			return op
		}
	}
	return nil
}

func (x *operationIndex) addPendingCompletion(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending[id]++
}

func (x *operationIndex) removePendingCompletion(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.pending[id] <= 1 {
		delete(x.pending, id)
		return
	}
	x.pending[id]--
}

// HasPendingCompletion reports whether a SUCCEED or FAIL for id is queued.
func (x *operationIndex) HasPendingCompletion(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.pending[id] > 0
}
