package durable

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for durable invocations.
//
// Metrics exposed (all namespaced with "durable_"):
//
// 1. active_operations (gauge): Step functions and checkpoint writes currently
// running in this process.
//
// 2. pending_resolvers (gauge): Suspensions waiting on the scheduler (timers,
// pollers, pending callbacks).
//
// 3. operation_latency_ms (histogram): Time from the first await of an
// operation to its outcome. Labels: type, status.
// Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000].
//
// 4. checkpoints_total (counter): Checkpoint updates sent to the durable log.
// Labels: action.
//
// 5. retries_total (counter): Retry checkpoints. Labels: type.
//
// 6. suspensions_total (counter): Invocations ended by the termination
// manager. Labels: reason.
//
// 7. replay_mismatches_total (counter): Non-deterministic replays detected.
//
// 8. termination_warmups_total (counter): Warmup windows that ended.
// Labels: outcome (terminated, cancelled).
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := durable.NewPrometheusMetrics(registry)
//	handler := durable.WithDurableExecution(fn, durable.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	activeOperations prometheus.Gauge
	pendingResolvers prometheus.Gauge

	operationLatency *prometheus.HistogramVec

	checkpoints       *prometheus.CounterVec
	retries           *prometheus.CounterVec
	suspensions       *prometheus.CounterVec
	replayMismatches  prometheus.Counter
	terminationWarmup *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all durable execution metrics
// with the provided registry. A nil registry uses prometheus.DefaultRegisterer.
//
// Registering twice on the same registry panics, as with any promauto
// collector; use a fresh registry per handler in tests.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.activeOperations = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "durable",
		Name:      "active_operations",
		Help:      "Step functions and checkpoint writes currently running",
	})

	pm.pendingResolvers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "durable",
		Name:      "pending_resolvers",
		Help:      "Suspended operations waiting on a scheduler timer or poller",
	})

	pm.operationLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "durable",
		Name:      "operation_latency_ms",
		Help:      "Operation duration in milliseconds, from first await to outcome",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"type", "status"})

	pm.checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "checkpoints_total",
		Help:      "Checkpoint updates sent to the durable log",
	}, []string{"action"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "retries_total",
		Help:      "Retry checkpoints written for failed attempts",
	}, []string{"type"})

	pm.suspensions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "suspensions_total",
		Help:      "Invocations ended by the termination manager",
	}, []string{"reason"})

	pm.replayMismatches = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "replay_mismatches_total",
		Help:      "Non-deterministic replays detected by the replay validator",
	})

	pm.terminationWarmup = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "termination_warmups_total",
		Help:      "Termination warmup windows by outcome",
	}, []string{"outcome"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// SetActiveOperations sets the active operations gauge.
func (pm *PrometheusMetrics) SetActiveOperations(n int) {
	if !pm.on() {
		return
	}
	pm.activeOperations.Set(float64(n))
}

// SetPendingResolvers sets the pending resolvers gauge.
func (pm *PrometheusMetrics) SetPendingResolvers(n int) {
	if !pm.on() {
		return
	}
	pm.pendingResolvers.Set(float64(n))
}

// RecordOperationLatency observes the duration of one operation.
func (pm *PrometheusMetrics) RecordOperationLatency(opType OperationType, status string, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.operationLatency.WithLabelValues(string(opType), status).Observe(float64(latency.Milliseconds()))
}

// IncrementCheckpoints counts one checkpoint update.
func (pm *PrometheusMetrics) IncrementCheckpoints(action OperationAction) {
	if !pm.on() {
		return
	}
	pm.checkpoints.WithLabelValues(string(action)).Inc()
}

// IncrementRetries counts one retry checkpoint.
func (pm *PrometheusMetrics) IncrementRetries(opType OperationType) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(string(opType)).Inc()
}

// IncrementSuspensions counts one termination by reason.
func (pm *PrometheusMetrics) IncrementSuspensions(reason TerminationReason) {
	if !pm.on() {
		return
	}
	pm.suspensions.WithLabelValues(string(reason)).Inc()
}

// IncrementReplayMismatches counts one non-deterministic replay.
func (pm *PrometheusMetrics) IncrementReplayMismatches() {
	if !pm.on() {
		return
	}
	pm.replayMismatches.Inc()
}

// IncrementTerminationWarmups counts one warmup window by outcome.
func (pm *PrometheusMetrics) IncrementTerminationWarmups(outcome string) {
	if !pm.on() {
		return
	}
	pm.terminationWarmup.WithLabelValues(outcome).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears gauge values. Counters and histograms are cumulative and keep
// their observations.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.activeOperations.Set(0)
	pm.pendingResolvers.Set(0)
}
