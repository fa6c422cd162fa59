package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dshills/durable-go/durable/emit"
)

// queuedUpdate is one update waiting to be sent.
type queuedUpdate struct {
	update OperationUpdate
	done   chan error
}

// checkpointManager batches operation updates to the durable log.
//
// Updates queued while a request is in flight are sent together in the next
// request. Each response carries the token for the next append and the
// records changed by this one; the records are applied to the local index,
// which is the only path that writes it. Every request is counted by the
// active tracker so that the invocation is never suspended with a write in
// flight.
type checkpointManager struct {
	arn     string
	client  LogClient
	index   *operationIndex
	tracker *activeTracker
	emitter emit.Emitter
	metrics *PrometheusMetrics
	logger  *slog.Logger

	// onFailure is called once for the first rejected append.
	onFailure func(error)

	// ctx is the invocation context without its cancellation, so that queued
	// updates are still delivered after the handler returned.
	ctx context.Context

	mu          sync.Mutex
	token       string
	queue       []*queuedUpdate
	flushing    bool
	idle        chan struct{}
	terminating bool
	failed      error
}

func newCheckpointManager(ctx context.Context, arn, token string, client LogClient, index *operationIndex, tracker *activeTracker) *checkpointManager {
	idle := make(chan struct{})
	close(idle)
	return &checkpointManager{
		arn:     arn,
		client:  client,
		index:   index,
		tracker: tracker,
		emitter: emit.NewNullEmitter(),
		logger:  slog.New(slog.DiscardHandler),
		ctx:     context.WithoutCancel(ctx),
		token:   token,
		idle:    idle,
	}
}

// Token returns the latest checkpoint token.
func (m *checkpointManager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Checkpoint queues u and waits until the durable log acknowledged it.
func (m *checkpointManager) Checkpoint(ctx context.Context, u OperationUpdate) error {
	done, err := m.enqueue(u)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckpointAsync queues u without waiting. A failure still terminates the
// invocation through onFailure.
func (m *checkpointManager) CheckpointAsync(u OperationUpdate) {
	if _, err := m.enqueue(u); err != nil {
		m.logger.Debug("checkpoint dropped", "operation_id", u.ID, "action", u.Action, "error", err)
	}
}

func (m *checkpointManager) enqueue(u OperationUpdate) (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed != nil {
		return nil, m.failed
	}
	if m.terminating {
		return nil, ErrCheckpointTerminating
	}

	q := &queuedUpdate{update: u, done: make(chan error, 1)}
	m.queue = append(m.queue, q)
	if u.Action == ActionSucceed || u.Action == ActionFail {
		m.index.addPendingCompletion(u.ID)
	}
	m.tracker.Increment()

	if !m.flushing {
		m.flushing = true
		m.idle = make(chan struct{})
		go m.flushLoop()
	}
	return q.done, nil
}

func (m *checkpointManager) flushLoop() {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		if len(batch) == 0 {
			m.flushing = false
			close(m.idle)
			m.mu.Unlock()
			return
		}
		token := m.token
		m.mu.Unlock()

		err := m.send(token, batch)
		for _, q := range batch {
			if q.update.Action == ActionSucceed || q.update.Action == ActionFail {
				m.index.removePendingCompletion(q.update.ID)
			}
			q.done <- err
			m.tracker.Decrement()
		}
		if err != nil {
			m.fail(err)
		}
	}
}

func (m *checkpointManager) send(token string, batch []*queuedUpdate) error {
	updates := make([]OperationUpdate, len(batch))
	for i, q := range batch {
		updates[i] = q.update
	}

	resp, err := m.client.Checkpoint(m.ctx, CheckpointRequest{
		DurableExecutionArn: m.arn,
		CheckpointToken:     token,
		Updates:             updates,
	})
	if err != nil {
		return ClassifyCheckpointError(err)
	}

	m.mu.Lock()
	if resp.CheckpointToken != "" {
		m.token = resp.CheckpointToken
	}
	m.mu.Unlock()

	m.index.apply(resp.NewExecutionState.Operations)
	if resp.NewExecutionState.NextMarker != "" {
		if err := m.fetchPages(m.ctx, resp.NewExecutionState.NextMarker); err != nil {
			return ClassifyCheckpointError(err)
		}
	}

	for _, u := range updates {
		m.metrics.IncrementCheckpoints(u.Action)
	}
	m.emitter.Emit(emit.Event{
		ExecutionArn: m.arn,
		Msg:          emit.MsgCheckpoint,
		Meta:         map[string]interface{}{"updates": len(updates)},
	})
	return nil
}

// fail rejects every queued update and stops accepting new ones.
func (m *checkpointManager) fail(err error) {
	m.mu.Lock()
	first := m.failed == nil
	if first {
		m.failed = err
	}
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, q := range pending {
		if q.update.Action == ActionSucceed || q.update.Action == ActionFail {
			m.index.removePendingCompletion(q.update.ID)
		}
		q.done <- err
		m.tracker.Decrement()
	}
	if first {
		m.logger.Error("checkpoint failed", "error", err)
		if m.onFailure != nil {
			m.onFailure(err)
		}
	}
}

// Force flushes queued updates and refreshes every record from the durable
// log. Failures are logged and otherwise ignored; the next append reports
// them.
func (m *checkpointManager) Force(ctx context.Context) {
	m.tracker.Increment()
	defer m.tracker.Decrement()

	if err := m.waitIdle(ctx); err != nil {
		return
	}
	if err := m.fetchPages(ctx, ""); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("state refresh failed", "error", err)
	}
}

func (m *checkpointManager) fetchPages(ctx context.Context, marker string) error {
	for {
		resp, err := m.client.GetExecutionState(ctx, StateRequest{
			DurableExecutionArn: m.arn,
			CheckpointToken:     m.Token(),
			Marker:              marker,
		})
		if err != nil {
			return fmt.Errorf("get execution state: %w", err)
		}
		m.index.apply(resp.Operations)
		if resp.NextMarker == "" {
			return nil
		}
		marker = resp.NextMarker
	}
}

func (m *checkpointManager) waitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setTerminating refuses new updates. Updates already queued are still sent.
func (m *checkpointManager) setTerminating() {
	m.mu.Lock()
	m.terminating = true
	m.mu.Unlock()
}

// Drain waits until every queued update has been sent.
func (m *checkpointManager) Drain(ctx context.Context) error {
	return m.waitIdle(ctx)
}
