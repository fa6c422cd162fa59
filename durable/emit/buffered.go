package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by execution ARN, and
// answers history queries. It backs the `durable history` command and most
// runtime tests.
//
// Warning: events are never evicted automatically. Call Clear for executions
// that are no longer of interest.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	handler := durable.WithDurableExecution(fn, durable.WithEmitter(emitter))
//
//	all := emitter.GetHistory("exec-1")
//	retries := emitter.GetHistoryWithFilter("exec-1", emit.HistoryFilter{Msg: emit.MsgStepRetry})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionArn -> events
}

// HistoryFilter selects events from a history. Set fields are combined with
// AND logic; zero fields do not filter.
type HistoryFilter struct {
	OperationID   string
	OperationType string
	Name          string
	Msg           string
	MinAttempt    *int
	MaxAttempt    *int
}

func (f HistoryFilter) empty() bool {
	return f.OperationID == "" && f.OperationType == "" && f.Name == "" && f.Msg == "" &&
		f.MinAttempt == nil && f.MaxAttempt == nil
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionArn] = append(b.events[event.ExecutionArn], event)
}

// GetHistory returns a copy of every event recorded for executionArn, in
// emission order. The result is never nil.
func (b *BufferedEmitter) GetHistory(executionArn string) []Event {
	return b.GetHistoryWithFilter(executionArn, HistoryFilter{})
}

// GetHistoryWithFilter returns a copy of the events for executionArn that
// match filter, in emission order. The result is never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(executionArn string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionArn]
	if filter.empty() {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	result := []Event{}
	for _, event := range events {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Executions lists the execution ARNs with recorded events.
func (b *BufferedEmitter) Executions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.events))
	for arn := range b.events {
		out = append(out, arn)
	}
	return out
}

func (f HistoryFilter) matches(event Event) bool {
	if f.OperationID != "" && event.OperationID != f.OperationID {
		return false
	}
	if f.OperationType != "" && event.OperationType != f.OperationType {
		return false
	}
	if f.Name != "" && event.Name != f.Name {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinAttempt != nil && event.Attempt < *f.MinAttempt {
		return false
	}
	if f.MaxAttempt != nil && event.Attempt > *f.MaxAttempt {
		return false
	}
	return true
}

// Clear removes the events of one execution, or of every execution when
// executionArn is empty.
func (b *BufferedEmitter) Clear(executionArn string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionArn == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, executionArn)
	}
}
