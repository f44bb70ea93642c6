package jrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a Server and its SubscriptionManager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
	Connections       prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsReject prometheus.Counter
	ProtocolErrors    *prometheus.CounterVec
	StreamChunks      prometheus.Counter
	EventsPublished   prometheus.Counter
	EventDeliveries   *prometheus.CounterVec
	Subscriptions     prometheus.Gauge
}

const metricsNamespace = "jrpc"

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Total number of requests and notifications handled",
			},
			[]string{"method", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "requests_in_flight",
				Help:      "Number of handlers currently running",
			},
		),

		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "connections",
				Help:      "Number of open connections",
			},
		),

		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "connections_total",
				Help:      "Total number of accepted connections",
			},
		),

		ConnectionsReject: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "connections_rejected_total",
				Help:      "Total number of connections closed because the connection cap was reached",
			},
		),

		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "protocol_errors_total",
				Help:      "Total number of malformed frames and messages",
			},
			[]string{"kind"},
		),

		StreamChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "stream",
				Name:      "chunks_total",
				Help:      "Total number of stream chunks sent",
			},
		),

		EventsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pubsub",
				Name:      "events_published_total",
				Help:      "Total number of published events",
			},
		),

		EventDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pubsub",
				Name:      "deliveries_total",
				Help:      "Total number of event deliveries by outcome",
			},
			[]string{"status"},
		),

		Subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pubsub",
				Name:      "subscriptions",
				Help:      "Number of active subscriptions",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.Connections,
			m.ConnectionsTotal,
			m.ConnectionsReject,
			m.ProtocolErrors,
			m.StreamChunks,
			m.EventsPublished,
			m.EventDeliveries,
			m.Subscriptions,
		)
	}

	return m
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Inc()
}

func (m *Metrics) requestFinished(method string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RequestsInFlight.Dec()
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) connectionRejected() {
	if m == nil {
		return
	}
	m.ConnectionsReject.Inc()
}

func (m *Metrics) protocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) chunkSent() {
	if m == nil {
		return
	}
	m.StreamChunks.Inc()
}

func (m *Metrics) eventPublished(delivered, failed int) {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
	m.EventDeliveries.WithLabelValues("ok").Add(float64(delivered))
	m.EventDeliveries.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}
