package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksSubmitted counts accepted submissions by priority.
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_tasks_submitted_total",
		Help: "The total number of tasks accepted by the scheduler",
	}, []string{"priority"})

	// tasksRejected counts submissions refused because the queue was full.
	tasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalq_tasks_rejected_total",
		Help: "The total number of tasks rejected with a full queue",
	})

	// tasksProcessed tracks attempt outcomes.
	// Labels:
	//   - status: "success", "retry", "timeout", "failed" or "cancelled"
	//   - type: task type (e.g., "signal.open_long")
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"status", "type"})

	// taskDuration tracks the latency of a single attempt.
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalq_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// queueLatency tracks the time a task spends queued before its first attempt.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalq_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalq_queue_depth",
		Help: "Number of tasks waiting in the scheduler queue",
	})

	activeTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalq_active_tasks",
		Help: "Number of tasks currently executing",
	})
)
