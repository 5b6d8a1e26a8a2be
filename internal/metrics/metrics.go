// Package metrics exposes pipeline instrumentation: Prometheus
// collectors for scraping plus a Valkey-backed statistics store for
// dashboard-style queries.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the delivery pipeline.
type Metrics struct {
	// Intake metrics
	MessagesSubmitted prometheus.Counter
	MessagesAccepted  prometheus.Counter
	MessagesBlocked   prometheus.Counter
	MessagesRejected  prometheus.Counter
	MessageSize       prometheus.Histogram

	// Publish metrics
	PublishAttempts prometheus.Counter
	PublishFailures prometheus.Counter
	PublishDuration prometheus.Histogram

	// Delivery outcome metrics
	MessagesSent      prometheus.Counter
	MessagesPartial   prometheus.Counter
	MessagesBounced   prometheus.Counter
	MessagesDeferred  prometheus.Counter
	RecipientOutcomes *prometheus.CounterVec

	// Reconciler metrics
	StatusEventsApplied prometheus.Counter
	StatusEventsDropped prometheus.Counter
	ReconcileDuration   prometheus.Histogram
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_submitted_total",
			Help: "Total number of messages submitted to the pipeline",
		}),
		MessagesAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_accepted_total",
			Help: "Total number of messages that passed validation",
		}),
		MessagesBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_blocked_total",
			Help: "Total number of messages blocked by policy",
		}),
		MessagesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_rejected_total",
			Help: "Total number of messages rejected as spam",
		}),
		MessageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailflow_message_size_bytes",
			Help:    "Size of submitted messages in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024},
		}),

		PublishAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_publish_attempts_total",
			Help: "Total number of broker publish attempts",
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_publish_failures_total",
			Help: "Total number of failed broker publishes",
		}),
		PublishDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailflow_publish_duration_seconds",
			Help:    "Time taken to publish a message to the broker",
			Buckets: prometheus.DefBuckets,
		}),

		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_sent_total",
			Help: "Total number of messages delivered to all recipients",
		}),
		MessagesPartial: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_partially_sent_total",
			Help: "Total number of messages delivered to only part of their recipients",
		}),
		MessagesBounced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_bounced_total",
			Help: "Total number of messages that bounced",
		}),
		MessagesDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_deferred_total",
			Help: "Total number of messages deferred by remote servers",
		}),
		RecipientOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_recipient_outcomes_total",
			Help: "Per-recipient delivery outcomes",
		}, []string{"outcome"}),

		StatusEventsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_status_events_applied_total",
			Help: "Total number of agent status events applied to the store",
		}),
		StatusEventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_status_events_dropped_total",
			Help: "Total number of undecodable or orphaned status events dropped",
		}),
		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailflow_reconcile_duration_seconds",
			Help:    "Time taken by one reconcile round",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
