// Package metrics exposes Prometheus instrumentation for calls, turns and alert delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postopcall"

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	CallsTotal         *prometheus.CounterVec
	TurnDuration       *prometheus.HistogramVec
	GeneratorFallbacks *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	DuplicateAlerts    prometheus.Counter
	WebhookEventsTotal *prometheus.CounterVec
}

// New registers all collectors with reg. When reg is nil a fresh registry is used.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished calls by call type and final status",
		}, []string{"call_type", "status"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from a finalized utterance to the next instruction",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"call_type"}),
		GeneratorFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_fallbacks_total",
			Help:      "Turns answered with a canned utterance instead of the generator",
		}, []string{"reason"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Clinical alerts detected",
		}, []string{"kind", "severity"}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Alert channel delivery attempts",
		}, []string{"channel", "status"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Live call sessions held by the orchestrator",
		}),
		DuplicateAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_duplicates_total",
			Help:      "Alerts skipped because their idempotency key was already routed",
		}),
		WebhookEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Telephony webhook events by route and outcome",
		}, []string{"route", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordCall counts a call that reached a terminal status.
func (m *Metrics) RecordCall(callType, status string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(callType, status).Inc()
}

// ObserveTurn records how long one conversation turn took.
func (m *Metrics) ObserveTurn(callType string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(callType).Observe(d.Seconds())
}

// RecordFallback counts a canned reply; reason is e.g. "error", "timeout", "empty", "unclear".
func (m *Metrics) RecordFallback(reason string) {
	if m == nil {
		return
	}
	m.GeneratorFallbacks.WithLabelValues(reason).Inc()
}

// RecordAlert counts a detected alert.
func (m *Metrics) RecordAlert(kind, severity string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordDuplicateAlert counts an alert that the ledger rejected.
func (m *Metrics) RecordDuplicateAlert() {
	if m == nil {
		return
	}
	m.DuplicateAlerts.Inc()
}

// RecordDelivery counts one channel delivery attempt.
func (m *Metrics) RecordDelivery(channel, status string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(channel, status).Inc()
}

// SetActiveSessions updates the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordWebhook counts a telephony webhook by route and outcome.
func (m *Metrics) RecordWebhook(route, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(route, outcome).Inc()
}
