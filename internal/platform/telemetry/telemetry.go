// Package telemetry holds the gateway's Prometheus collectors. HTTP traffic
// metrics live in the middleware package; the collectors here count domain
// outcomes so dashboards can separate duplicates, conflicts and rejections
// from plain request volume.
package telemetry

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IngestOutcomes counts ingestion results by outcome
	// (inserted, reattempt_changed_payload, idempotent_repeat_same_payload).
	IngestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_outcomes_total",
			Help: "Ingestion submissions by idempotency outcome.",
		},
		[]string{"outcome"},
	)

	// StatusCallbacks counts status callbacks by store result
	// (persisted, duplicate, conflict).
	StatusCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_callbacks_total",
			Help: "Status callbacks by reconciliation result.",
		},
		[]string{"result"},
	)

	// HMACRejections counts signed requests rejected, by reason.
	HMACRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hmac_rejections_total",
			Help: "Signed requests rejected by the verification middleware.",
		},
		[]string{"reason"},
	)

	// RelayDeliveries counts EMR callback delivery attempts
	// (succeeded, retry, failed).
	RelayDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callback_relay_deliveries_total",
			Help: "EMR callback relay delivery attempts by result.",
		},
		[]string{"result"},
	)

	// EventPublishFailures counts integration events that could not be published.
	EventPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Integration events that failed to publish, by event type.",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(IngestOutcomes, StatusCallbacks, HMACRejections, RelayDeliveries, EventPublishFailures)
}

// Handler exposes the default registry for scraping.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// MetricsHandler is Handler as a plain http.Handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
