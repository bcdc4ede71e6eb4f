// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_webhook_events_total",
			Help: "Webhook events received, by event type and outcome",
		},
		[]string{"type", "outcome"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_store_retries_total",
			Help: "Durable store operations retried after a transient failure",
		},
		[]string{"op"},
	)

	StoreProvisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subsync_store_provisions_total",
			Help: "Lazy schema provisioning attempts triggered by a missing table",
		},
	)

	OfflineWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_offline_writes_total",
			Help: "Writes diverted to or replayed from the offline store",
		},
		[]string{"action"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_cache_lookups_total",
			Help: "Cache tier lookups, by tier and result",
		},
		[]string{"tier", "result"},
	)

	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_invalidations_total",
			Help: "Cache invalidations, by origin (local or remote)",
		},
		[]string{"origin"},
	)

	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_verifications_total",
			Help: "Post-write verification results for reconcile operations",
		},
		[]string{"op", "result"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_provider_requests_total",
			Help: "Payment provider calls, by operation and error kind",
		},
		[]string{"op", "result"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subsync_provider_request_duration_seconds",
			Help:    "Duration of payment provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_job_runs_total",
			Help: "Scheduled job executions, by job and result",
		},
		[]string{"job", "result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_http_requests_total",
			Help: "HTTP requests served, by route and status code",
		},
		[]string{"route", "code"},
	)
)

// Result returns "ok" for a nil error and "error" otherwise.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
