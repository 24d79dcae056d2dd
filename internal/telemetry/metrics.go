package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_tasks_enqueued_total", Help: "Tasks inserted through the api"})
	TasksLeased       = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_tasks_leased_total", Help: "Tasks claimed by a worker"})
	TasksCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_tasks_completed_total", Help: "Task attempts by process type and outcome"}, []string{"process_type", "outcome"})
	TasksDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_tasks_dead_letter_total", Help: "Tasks that exhausted their retries"})
	TaskDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "automation_task_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"process_type"})
	WorkerInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_worker_invocations_total", Help: "Worker loop invocations by exit reason"}, []string{"exit"})

	RecoveryActions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_recovery_actions_total", Help: "Recovery actions applied"}, []string{"action"})

	NotificationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_notifications_total", Help: "Notification requests by outcome"}, []string{"outcome"})
	Escalations          = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_escalations_total", Help: "Critical notifications escalated to administrators"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_sweep_runs_total", Help: "Scheduled sweeps by outcome"}, []string{"sweep", "outcome"})
)

// Collectors lists every metric so tests can register them on a private registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TasksEnqueued,
		TasksLeased,
		TasksCompleted,
		TasksDeadLettered,
		TaskDuration,
		WorkerInvocations,
		RecoveryActions,
		NotificationsCreated,
		Escalations,
		RateLimitRejects,
		SweepRuns,
	}
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
	return promhttp.Handler()
}
