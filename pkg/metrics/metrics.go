// Package metrics exposes Prometheus instrumentation for the session and
// task coordination layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_sessions_started_total",
		Help: "The total number of laboratory sessions started.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_sessions_expired_total",
		Help: "The total number of sessions transitioned to expired.",
	})
	DisposeInvocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_dispose_invocations_total",
		Help: "The total number of dispose hook invocations.",
	})
	StartRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_start_rejections_total",
		Help: "The total number of assignments rejected by the start hook.",
	})

	// Task metrics
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_tasks_submitted_total",
		Help: "The total number of tasks submitted.",
	})
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remlab_tasks_completed_total",
		Help: "The total number of tasks finished, by terminal status.",
	}, []string{"status"})
	TasksRejectedUnique = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_tasks_rejected_unique_total",
		Help: "The total number of submissions rejected by the uniqueness enforcer.",
	})
	TasksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_tasks_reaped_total",
		Help: "The total number of running tasks failed after their worker lease lapsed.",
	})

	// Coordination metrics
	SweepPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_sweep_passes_total",
		Help: "The total number of sweeper passes completed.",
	})
	StoreConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_store_conflicts_total",
		Help: "The total number of optimistic write conflicts observed.",
	})
	StoreOutages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remlab_store_outages_total",
		Help: "The total number of transient store failures observed.",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
