package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "panel_sessions_active",
			Help: "Number of live daemon event-stream sessions",
		},
	)

	SessionReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "panel_session_reconnects_total",
			Help: "Total number of session reconnect attempts",
		},
	)

	SessionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_session_failures_total",
			Help: "Total number of terminal session failures by reason",
		},
		[]string{"reason"},
	)

	// Lifecycle metrics
	LifecycleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_lifecycle_operations_total",
			Help: "Total number of lifecycle operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "panel_provision_duration_seconds",
			Help:    "Time taken to provision a server in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Transfer metrics
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_transfers_total",
			Help: "Total number of completed transfers by outcome",
		},
		[]string{"outcome"},
	)

	// Backup metrics
	BackupOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_backup_operations_total",
			Help: "Total number of backup operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Scheduler metrics
	ScheduleRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_schedule_runs_total",
			Help: "Total number of schedule runs by outcome",
		},
		[]string{"outcome"},
	)

	ScheduleTaskFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "panel_schedule_task_failures_total",
			Help: "Total number of failed schedule tasks",
		},
	)

	ScheduleRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "panel_schedule_run_duration_seconds",
			Help:    "Time taken to execute a schedule run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionReconnectsTotal)
	prometheus.MustRegister(SessionFailuresTotal)
	prometheus.MustRegister(LifecycleOperationsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(TransfersTotal)
	prometheus.MustRegister(BackupOperationsTotal)
	prometheus.MustRegister(ScheduleRunsTotal)
	prometheus.MustRegister(ScheduleTaskFailuresTotal)
	prometheus.MustRegister(ScheduleRunDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}
