// Package metrics holds the module's prometheus instruments. Exposition
// is the operator's concern; registration happens on the default
// registry so any scrape surface the deployment wires picks them up.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events accepted by the bus, per event name.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "digcoord",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Domain events accepted by the in-process bus.",
	}, []string{"event"})

	// EventsDropped counts events dropped on full queues.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "digcoord",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Domain events dropped because a partition queue was full.",
	}, []string{"event"})

	// DetectionsTotal counts conflict detections by outcome.
	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "digcoord",
		Subsystem: "conflict",
		Name:      "detections_total",
		Help:      "Conflict detections run, labelled by outcome.",
	}, []string{"outcome"})

	// DetectionDuration observes detection wall time.
	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "digcoord",
		Subsystem: "conflict",
		Name:      "detection_seconds",
		Help:      "Wall time of a single conflict detection.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// NotificationsEnqueued counts messages handed to the mail queue.
	NotificationsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "digcoord",
		Subsystem: "notify",
		Name:      "enqueued_total",
		Help:      "Notification messages enqueued to the mail queue.",
	}, []string{"template"})

	// NotificationsFailed counts enqueue failures (including breaker
	// fast-fails). Failures are swallowed, so the counter is the only
	// trace.
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "digcoord",
		Subsystem: "notify",
		Name:      "failed_total",
		Help:      "Notification enqueue failures.",
	}, []string{"template"})

	// SweepsTotal counts deadline sweeps.
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "digcoord",
		Subsystem: "scheduler",
		Name:      "sweeps_total",
		Help:      "Deadline sweeps executed.",
	})
)
