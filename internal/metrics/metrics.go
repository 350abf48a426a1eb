// Package metrics provides Prometheus instrumentation for the relay. It
// exposes a gauge for open connections, counters for processed messages and
// rejection reasons, and a histogram for per-message processing latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for MessagesTotal.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// FieldMalformed labels rejections of payloads that were not a JSON object.
const FieldMalformed = "malformed"

var (
	// ConnectionsActive tracks the current number of open WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	// ConnectionsOpened counts every connection accepted since start.
	ConnectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_opened_total",
		Help: "Total number of WebSocket connections accepted",
	})

	// MessagesTotal counts processed text frames by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of chat events processed",
	}, []string{"outcome"}) // outcome = "accepted", "rejected"

	// RejectionsTotal counts rejected events by the field that failed first.
	RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rejections_total",
		Help: "Rejected chat events by first failing field",
	}, []string{"field"})

	// ProcessingDuration records the time from frame receipt to reply written.
	ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_message_processing_seconds",
		Help:    "Time to validate, annotate and reply to a chat event",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TransportErrors counts read and write failures on client connections.
	TransportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_transport_errors_total",
		Help: "Read and write failures on client connections",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsOpened,
		MessagesTotal,
		RejectionsTotal,
		ProcessingDuration,
		TransportErrors,
	)
}

// ObserveOutcome records one processed message. field is the first failing
// field of a rejected message and ignored for accepted ones; an empty field
// is recorded as FieldMalformed.
func ObserveOutcome(accepted bool, field string, elapsed time.Duration) {
	ProcessingDuration.Observe(elapsed.Seconds())
	if accepted {
		MessagesTotal.WithLabelValues(OutcomeAccepted).Inc()
		return
	}
	MessagesTotal.WithLabelValues(OutcomeRejected).Inc()
	if field == "" {
		field = FieldMalformed
	}
	RejectionsTotal.WithLabelValues(field).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
