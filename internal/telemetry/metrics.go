package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_jobs_created_total", Help: "Collection jobs created"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_collect_rate_limit_rejects_total", Help: "Collect triggers rejected by rate limiter"})
	TasksSucceeded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_job_tasks_succeeded_total", Help: "Job tasks finished with SUCCESS"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_job_tasks_failed_total", Help: "Job tasks finished with FAILURE"})
	TasksRequeued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "inventory_job_tasks_requeued_total", Help: "Job tasks released back to the queue after an infrastructure error"})
	ResourceChanges  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "inventory_resources_total", Help: "Reconciled resources by outcome"}, []string{"outcome"})
	CleanupErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "inventory_cleanup_errors_total", Help: "Failed cleanup steps by method"}, []string{"method"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "inventory_queue_depth", Help: "Ready job tasks waiting in the queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "inventory_job_tasks_inflight", Help: "Job tasks currently leased"})
)

// Resource outcomes.
const (
	OutcomeCreated      = "created"
	OutcomeUpdated      = "updated"
	OutcomeFailed       = "failed"
	OutcomeDisconnected = "disconnected"
	OutcomeDeleted      = "deleted"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			RateLimitRejects,
			TasksSucceeded,
			TasksFailed,
			TasksRequeued,
			ResourceChanges,
			CleanupErrors,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
