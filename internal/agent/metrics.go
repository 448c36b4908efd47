package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/user/miniclaw/internal/types"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miniclaw",
		Name:      "agent_runs_total",
		Help:      "Agent runs by termination reason.",
	}, []string{"reason"})
	metricRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "miniclaw",
		Name:      "agent_run_duration_seconds",
		Help:      "Wall-clock time from spawn to result.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "miniclaw",
		Name:      "agent_runs_in_flight",
		Help:      "Agent processes currently running.",
	})
	activityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miniclaw",
		Name:      "agent_activity_events_total",
		Help:      "Activity events emitted by category.",
	}, []string{"category"})
	metricLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "miniclaw",
		Name:      "conversation_lock_wait_seconds",
		Help:      "Time spent waiting for the conversation lock.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

func recordRun(res types.RunResult, d time.Duration) {
	metricRuns.WithLabelValues(string(res.Reason)).Inc()
	if d > 0 {
		metricRunDuration.Observe(d.Seconds())
	}
}

func observeLockWait(d time.Duration) {
	metricLockWait.Observe(d.Seconds())
}
