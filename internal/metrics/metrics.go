package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts Stripe webhook deliveries by event type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Stripe webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensing",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	LicensesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "licenses_issued_total",
		Help:      "Licenses created, by plan cadence.",
	}, []string{"cadence"})

	LicensesDeactivated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "licenses_deactivated_total",
		Help:      "Licenses deactivated, by reason.",
	}, []string{"reason"})

	SubscriptionActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "subscription_actions_total",
		Help:      "User initiated subscription actions by action and outcome.",
	}, []string{"action", "outcome"})

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "persistence_failures_total",
		Help:      "Local writes that failed after the billing provider accepted a mutation.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "notifications_total",
		Help:      "License notification emails by template and outcome.",
	}, []string{"template", "outcome"})
)
