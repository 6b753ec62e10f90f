// Package metrics exposes syncd's Prometheus instrumentation: per-run
// counters and duration histograms, plus gauges for the scheduler's live
// task set.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task/scheduler metrics
	TasksEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_tasks_enabled",
			Help: "Number of tasks currently enabled and scheduled",
		},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_tasks_running",
			Help: "Number of tasks with a run currently in flight",
		},
	)

	// Run outcome metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_runs_total",
			Help: "Total number of completed sync runs by status and mode",
		},
		[]string{"status", "mode"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncd_run_duration_seconds",
			Help:    "Duration of a sync run in seconds by status",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"status"},
	)

	TasksAutoDisabledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_tasks_auto_disabled_total",
			Help: "Total number of tasks auto-disabled after consecutive failures",
		},
	)

	LockRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_lock_rejections_total",
			Help: "Total number of sync runs rejected because the task was already running",
		},
	)

	StaleLocksClearedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_stale_locks_cleared_total",
			Help: "Total number of stale locks cleared by the scheduler",
		},
	)

	// Remote operation metrics
	RemoteCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncd_remote_command_duration_seconds",
			Help:    "Duration of a remote SSH command in seconds by purpose",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"purpose"},
	)

	TrashSweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_trash_sweep_cycles_total",
			Help: "Total number of daily trash-retention sweep cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksEnabled)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(TasksAutoDisabledTotal)
	prometheus.MustRegister(LockRejectionsTotal)
	prometheus.MustRegister(StaleLocksClearedTotal)
	prometheus.MustRegister(RemoteCommandDuration)
	prometheus.MustRegister(TrashSweepCyclesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
