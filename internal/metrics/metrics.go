// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthAttempts counts authentication outcomes, labelled success,
	// invalid_key, invalid_signature, expired_challenge or rate_limited.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hashgate_auth_attempts_total",
		Help: "Authentication attempts by outcome.",
	}, []string{"outcome"})

	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashgate_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter.",
	})

	AnomalyEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hashgate_anomaly_events_total",
		Help: "Anomaly events by type and severity.",
	}, []string{"type", "severity"})

	CreditsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashgate_credits_consumed_total",
		Help: "Credits debited for metered operations.",
	})

	CreditsPurchased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashgate_credits_purchased_total",
		Help: "Credits granted through verified HBAR payments.",
	})

	PaymentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hashgate_payments_processed_total",
		Help: "Payment verification outcomes.",
	}, []string{"status"})

	PanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashgate_panics_recovered_total",
		Help: "Handler panics caught by the recovery middleware.",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hashgate_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
