package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/durable-go/durable"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Tests and local development
//   - The local runner, where executions live as long as the process
//
// MemStore is thread-safe. Its contents can be saved with MarshalJSON and
// restored with UnmarshalJSON.
//
// Limitations:
//   - Data is lost when process terminates unless snapshotted
//   - Memory usage grows with the number of executions
type MemStore struct {
	mu          sync.RWMutex
	closed      bool
	executions  map[string]*memExecution // arn -> execution
	order       []string                 // arns in creation order
	callbacks   map[string]Callback      // callbackID -> callback
	invocations map[string][]Invocation  // arn -> invocations
}

type memExecution struct {
	Execution  Execution                    `json:"execution"`
	Operations map[string]durable.Operation `json:"operations"`
	Order      []string                     `json:"order"`
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	log := oplog.New(store.NewMemStore())
func NewMemStore() *MemStore {
	return &MemStore{
		executions:  make(map[string]*memExecution),
		callbacks:   make(map[string]Callback),
		invocations: make(map[string][]Invocation),
	}
}

// CreateExecution records a new execution and its root operation.
func (m *MemStore) CreateExecution(_ context.Context, exec Execution, root durable.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.executions[exec.Arn]; exists {
		return fmt.Errorf("%w: execution %s", ErrAlreadyExists, exec.Arn)
	}
	m.executions[exec.Arn] = &memExecution{
		Execution:  exec,
		Operations: map[string]durable.Operation{root.ID: *root.Clone()},
		Order:      []string{root.ID},
	}
	m.order = append(m.order, exec.Arn)
	return nil
}

// GetExecution returns the execution record.
func (m *MemStore) GetExecution(_ context.Context, arn string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Execution{}, ErrStoreClosed
	}
	e, ok := m.executions[arn]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return e.Execution, nil
}

// UpdateExecution replaces the mutable fields of an execution.
func (m *MemStore) UpdateExecution(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	e, ok := m.executions[exec.Arn]
	if !ok {
		return ErrNotFound
	}
	e.Execution.Status = exec.Status
	e.Execution.Token = exec.Token
	e.Execution.Result = exec.Result
	e.Execution.Error = exec.Error
	e.Execution.UpdatedAt = exec.UpdatedAt
	return nil
}

// ListExecutions returns executions in creation order.
func (m *MemStore) ListExecutions(_ context.Context, status ExecutionStatus) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Execution, 0, len(m.order))
	for _, arn := range m.order {
		e := m.executions[arn].Execution
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// Append inserts or replaces operations, swapping the token when asked.
func (m *MemStore) Append(_ context.Context, arn string, swap *TokenSwap, ops ...durable.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	e, ok := m.executions[arn]
	if !ok {
		return ErrNotFound
	}
	if swap != nil {
		if e.Execution.Token != swap.From {
			return ErrTokenMismatch
		}
		e.Execution.Token = swap.To
	}
	for _, op := range ops {
		if _, exists := e.Operations[op.ID]; !exists {
			e.Order = append(e.Order, op.ID)
		}
		e.Operations[op.ID] = *op.Clone()
	}
	return nil
}

// Operations returns the execution's operations in insertion order.
func (m *MemStore) Operations(_ context.Context, arn string) ([]durable.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	e, ok := m.executions[arn]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]durable.Operation, 0, len(e.Order))
	for _, id := range e.Order {
		op := e.Operations[id]
		out = append(out, *op.Clone())
	}
	return out, nil
}

// Operation returns one operation.
func (m *MemStore) Operation(_ context.Context, arn, id string) (durable.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return durable.Operation{}, ErrStoreClosed
	}
	e, ok := m.executions[arn]
	if !ok {
		return durable.Operation{}, ErrNotFound
	}
	op, ok := e.Operations[id]
	if !ok {
		return durable.Operation{}, ErrNotFound
	}
	return *op.Clone(), nil
}

// SaveCallback inserts or replaces a callback registration.
func (m *MemStore) SaveCallback(_ context.Context, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.callbacks[cb.ID] = cb
	return nil
}

// GetCallback returns a callback by id.
func (m *MemStore) GetCallback(_ context.Context, callbackID string) (Callback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Callback{}, ErrStoreClosed
	}
	cb, ok := m.callbacks[callbackID]
	if !ok {
		return Callback{}, ErrNotFound
	}
	return cb, nil
}

// Callbacks returns the callbacks of an execution ordered by id.
func (m *MemStore) Callbacks(_ context.Context, arn string) ([]Callback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []Callback
	for _, cb := range m.callbacks {
		if cb.Arn == arn {
			out = append(out, cb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveInvocation inserts or replaces an invocation record.
func (m *MemStore) SaveInvocation(_ context.Context, inv Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	list := m.invocations[inv.Arn]
	for i := range list {
		if list[i].ID == inv.ID {
			list[i] = inv
			return nil
		}
	}
	m.invocations[inv.Arn] = append(list, inv)
	return nil
}

// Invocations returns the invocations of an execution in start order.
func (m *MemStore) Invocations(_ context.Context, arn string) ([]Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return append([]Invocation(nil), m.invocations[arn]...), nil
}

// Close marks the store closed. It is safe to call more than once.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// serializableMemStore is the JSON form of MemStore.
type serializableMemStore struct {
	Executions  map[string]*memExecution `json:"executions"`
	Order       []string                 `json:"order"`
	Callbacks   map[string]Callback      `json:"callbacks"`
	Invocations map[string][]Invocation  `json:"invocations"`
}

// MarshalJSON serializes the MemStore to JSON.
//
// Example:
//
//	data, err := mem.MarshalJSON()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("durable.json", data, 0o644)
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(serializableMemStore{
		Executions:  m.executions,
		Order:       m.order,
		Callbacks:   m.callbacks,
		Invocations: m.invocations,
	})
}

// UnmarshalJSON replaces the contents of the MemStore with data.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s serializableMemStore
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	m.executions = s.Executions
	m.order = s.Order
	m.callbacks = s.Callbacks
	m.invocations = s.Invocations

	// Initialize empty maps if nil (for empty JSON objects)
	if m.executions == nil {
		m.executions = make(map[string]*memExecution)
	}
	if m.callbacks == nil {
		m.callbacks = make(map[string]Callback)
	}
	if m.invocations == nil {
		m.invocations = make(map[string][]Invocation)
	}
	for _, e := range m.executions {
		if e.Operations == nil {
			e.Operations = make(map[string]durable.Operation)
		}
	}
	return nil
}
