// Package metrics provides Prometheus metrics for ocrd.
// Counters, gauges and histograms for tasks, worker output, push delivery
// and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksStarted counts accepted tasks by input file type.
var TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocrd",
	Name:      "tasks_started_total",
	Help:      "Total tasks accepted.",
}, []string{"file_type"})

// TasksFinished counts tasks that reached Finished.
var TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocrd",
	Name:      "tasks_finished_total",
	Help:      "Total tasks finished successfully.",
}, []string{"file_type"})

// TasksFailed counts tasks that reached Failed, by reason
// (launch, exit, output, internal).
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocrd",
	Name:      "tasks_failed_total",
	Help:      "Total failed tasks.",
}, []string{"file_type", "reason"})

// TasksActive tracks workers currently running.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ocrd",
	Name:      "tasks_active",
	Help:      "Number of currently running workers.",
})

// TasksWaiting tracks tasks held in Pending by the concurrency limit.
var TasksWaiting = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ocrd",
	Name:      "tasks_waiting",
	Help:      "Number of tasks waiting for a worker slot.",
})

// TaskDuration tracks wall time from worker launch to terminal status.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ocrd",
	Name:      "task_duration_seconds",
	Help:      "Worker run time from launch to terminal status.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
}, []string{"file_type", "status"})

// ─── Worker Output ──────────────────────────────────────────────────────────

// WorkerLines counts output lines read from workers.
var WorkerLines = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ocrd",
	Name:      "worker_output_lines_total",
	Help:      "Total lines read from worker output.",
})

// ─── Notifications ──────────────────────────────────────────────────────────

// EventsPublished counts events handed to the notification hub.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocrd",
	Name:      "events_published_total",
	Help:      "Total task events published.",
}, []string{"kind"})

// EventsDropped counts deliveries skipped because a subscriber was full
// or no subscriber was attached.
var EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocrd",
	Name:      "events_dropped_total",
	Help:      "Total event deliveries dropped.",
}, []string{"reason"})

// Subscribers tracks open push subscriptions.
var Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ocrd",
	Name:      "subscribers",
	Help:      "Number of open task subscriptions.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "ocrd",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
