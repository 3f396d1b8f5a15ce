package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	// Task lifecycle
	TasksSubmitted prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    *prometheus.CounterVec // by terminal reason
	TaskDuration   prometheus.Histogram   // submission → terminal outcome

	// Scheduling / failover
	AssignmentsTotal prometheus.Counter
	FailoversTotal   prometheus.Counter
	StaleResults     prometheus.Counter

	// Cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Pool state
	ConnectedPeers prometheus.Gauge
	PendingTasks   prometheus.Gauge
}

// New creates and registers the metric set against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_submitted_total",
			Help: "Total number of tasks accepted from requesters",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_completed_total",
			Help: "Total number of tasks delivered successfully",
		}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_tasks_failed_total",
			Help: "Total number of tasks that reached a terminal failure",
		}, []string{"reason"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_task_duration_seconds",
			Help:    "Time from task submission to terminal outcome",
			Buckets: prometheus.DefBuckets,
		}),
		AssignmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_assignments_total",
			Help: "Total number of task attempts dispatched to peers",
		}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_failovers_total",
			Help: "Total number of attempts retried after timeout or failure",
		}),
		StaleResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_stale_results_total",
			Help: "Total number of late or duplicate results discarded",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_result_cache_hits_total",
			Help: "Total number of submissions served from the result cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_result_cache_misses_total",
			Help: "Total number of result cache lookups that missed",
		}),
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_connected_peers",
			Help: "Number of peers currently holding a live channel",
		}),
		PendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_pending_tasks",
			Help: "Number of tasks awaiting a terminal outcome",
		}),
	}
}
