package emit

// Emitter receives observability events from durable invocations.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files
//   - Distributed tracing: OpenTelemetry
//   - Test inspection: BufferedEmitter history queries
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down the invocation
//   - Thread-safe: Called concurrently from operations running in parallel
//   - Resilient: Never panic on a failing backend
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit is called on the invocation's hot path and must not block on
	// slow backends. Errors are handled internally.
	Emit(event Event)
}

// Multi fans every event out to several emitters in order.
type Multi []Emitter

// Emit forwards the event to every non-nil emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
