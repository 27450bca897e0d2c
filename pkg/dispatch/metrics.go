package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsReceived counts inbound events by classified action and whether they were accepted.
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_events_total",
		Help: "Inbound events by action and acceptance",
	}, []string{"action", "accepted"})

	// dispatchResults counts dispatch outcomes.
	// Labels:
	//   - action: signal action (e.g., "open_long")
	//   - outcome: "success", "partial", "debounced", "ignored" or "failed"
	dispatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_dispatch_total",
		Help: "Dispatch outcomes by action",
	}, []string{"action", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalq_dispatch_duration_seconds",
		Help:    "Duration of a dispatch including broker calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	reconcileResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_reconcile_total",
		Help: "Reconciliation passes by pass and status",
	}, []string{"pass", "status"})
)
