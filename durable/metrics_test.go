package durable

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	pm.IncrementCheckpoints(ActionStart)
	pm.IncrementCheckpoints(ActionStart)
	pm.IncrementCheckpoints(ActionSucceed)
	pm.IncrementRetries(OperationTypeStep)
	pm.IncrementSuspensions(ReasonWaitScheduled)
	pm.IncrementReplayMismatches()
	pm.IncrementTerminationWarmups("terminated")
	pm.SetActiveOperations(3)
	pm.SetPendingResolvers(2)
	pm.RecordOperationLatency(OperationTypeStep, string(StatusSucceeded), 20*time.Millisecond)

	tests := []struct {
		desc string
		c    prometheus.Collector
		want float64
	}{
		{"start checkpoints", pm.checkpoints.WithLabelValues("START"), 2},
		{"succeed checkpoints", pm.checkpoints.WithLabelValues("SUCCEED"), 1},
		{"step retries", pm.retries.WithLabelValues("STEP"), 1},
		{"wait suspensions", pm.suspensions.WithLabelValues(string(ReasonWaitScheduled)), 1},
		{"replay mismatches", pm.replayMismatches, 1},
		{"terminated warmups", pm.terminationWarmup.WithLabelValues("terminated"), 1},
		{"active operations", pm.activeOperations, 3},
		{"pending resolvers", pm.pendingResolvers, 2},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %g, want %g", got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(pm.operationLatency); n != 1 {
		t.Errorf("latency series %d, want 1", n)
	}

	t.Run("disable stops recording", func(t *testing.T) {
		pm.Disable()
		pm.IncrementRetries(OperationTypeStep)
		pm.SetActiveOperations(9)
		pm.Enable()
		if got := testutil.ToFloat64(pm.retries.WithLabelValues("STEP")); got != 1 {
			t.Errorf("retries %g after disabled increment", got)
		}
		if got := testutil.ToFloat64(pm.activeOperations); got != 3 {
			t.Errorf("active operations %g after disabled set", got)
		}
	})

	t.Run("reset clears gauges only", func(t *testing.T) {
		pm.Reset()
		if got := testutil.ToFloat64(pm.activeOperations); got != 0 {
			t.Errorf("active operations %g after reset", got)
		}
		if got := testutil.ToFloat64(pm.checkpoints.WithLabelValues("START")); got != 2 {
			t.Errorf("checkpoints %g after reset", got)
		}
	})
}

func TestNilPrometheusMetrics(t *testing.T) {
	var pm *PrometheusMetrics
	pm.IncrementCheckpoints(ActionStart)
	pm.IncrementRetries(OperationTypeStep)
	pm.IncrementSuspensions(ReasonWaitScheduled)
	pm.IncrementReplayMismatches()
	pm.IncrementTerminationWarmups("cancelled")
	pm.SetActiveOperations(1)
	pm.SetPendingResolvers(1)
	pm.RecordOperationLatency(OperationTypeWait, string(StatusSucceeded), time.Second)
}
