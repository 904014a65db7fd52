// Package metrics registers the Prometheus instruments exposed on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboxActivities counts inbound activities by type and outcome
	// (accepted, duplicate, rejected).
	InboxActivities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "florapub_inbox_activities_total",
		Help: "Inbound activities processed, by activity type and outcome.",
	}, []string{"type", "outcome"})

	// DeliveryAttempts counts outbound delivery attempts by outcome
	// (delivered, retried, dropped, expired).
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "florapub_delivery_attempts_total",
		Help: "Outbound delivery attempts, by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks pending delivery jobs, sampled by the queue
	// pollers.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "florapub_delivery_queue_depth",
		Help: "Delivery jobs waiting in the queue.",
	})

	// ResolverFetches counts remote fetches by object kind and outcome.
	ResolverFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "florapub_resolver_fetches_total",
		Help: "Remote object fetches, by kind and outcome.",
	}, []string{"kind", "outcome"})
)
