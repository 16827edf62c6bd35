// Package metrics holds the Prometheus collectors shared by the scheduling,
// queue, distribution and rate limiting components. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	transitions       *prometheus.CounterVec
	bookingConflicts  prometheus.Counter
	eventsDistributed *prometheus.CounterVec
	eventQueueDepth   prometheus.Gauge
	rateLimitRejected *prometheus.CounterVec
	queueLength       *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_transitions_total",
			Help: "Appointment status transitions by target status.",
		}, []string{"status"}),
		bookingConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appointment_booking_conflicts_total",
			Help: "Booking attempts rejected because the interval was taken.",
		}),
		eventsDistributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_distributed_total",
			Help: "Distribution attempts by event type and result (ok, fail, dropped).",
		}, []string{"type", "result"}),
		eventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "events_queue_depth",
			Help: "Events waiting for the distribution loop.",
		}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by a rate limit policy.",
		}, []string{"policy"}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_active_entries",
			Help: "Waiting or in-progress queue entries per practitioner and day.",
		}, []string{"practitioner", "date"}),
	}

	m.registry.MustRegister(
		m.transitions,
		m.bookingConflicts,
		m.eventsDistributed,
		m.eventQueueDepth,
		m.rateLimitRejected,
		m.queueLength,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncBookingConflict() {
	if m == nil {
		return
	}
	m.bookingConflicts.Inc()
}

func (m *Metrics) IncDistributed(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsDistributed.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) SetEventQueueDepth(n int) {
	if m == nil {
		return
	}
	m.eventQueueDepth.Set(float64(n))
}

func (m *Metrics) IncRateLimited(policy string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(policy).Inc()
}

func (m *Metrics) SetQueueLength(practitioner, date string, n int) {
	if m == nil {
		return
	}
	m.queueLength.WithLabelValues(practitioner, date).Set(float64(n))
}
