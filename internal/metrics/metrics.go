// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters shared by the orchestrator and the limiter.
type Metrics struct {
	PaymentsCreated    *prometheus.CounterVec
	PaymentFailures    *prometheus.CounterVec
	ProviderAttempts   *prometheus.CounterVec
	IdempotencyReplays prometheus.Counter
	RateLimitRejects   prometheus.Counter
	RateLimitCacheErrs *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PaymentsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Payments created, by provider and initial status.",
		}, []string{"provider", "status"}),
		PaymentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_failures_total",
			Help: "Failed payment operations, by operation and error code.",
		}, []string{"operation", "code"}),
		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_attempts_total",
			Help: "Individual provider call attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		IdempotencyReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Create-payment calls answered from the idempotency cache.",
		}),
		RateLimitRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by the token bucket.",
		}),
		RateLimitCacheErrs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_cache_errors_total",
			Help: "Rate limiter cache failures, by configured failure mode.",
		}, []string{"mode"}),
	}
}

// NewUnregistered builds collectors that are not exposed anywhere.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
