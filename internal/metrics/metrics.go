// Package metrics holds the Prometheus collectors of the realtime core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "messager"

type Metrics struct {
	registry prometheus.Gatherer

	ConnectionsActive prometheus.Gauge
	UsersOnline       prometheus.Gauge
	ActiveCalls       prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	MessagesSent      prometheus.Counter
	FramesDropped     prometheus.Counter
	RateLimited       *prometheus.CounterVec
	CallsTotal        *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry that
// also carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Open WebSocket connections on this node.",
		}),
		UsersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "users_online",
			Help: "Users with at least one connected device.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "calls_active",
			Help: "Call sessions in a non-terminal state.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Inbound events by name and outcome.",
		}, []string{"event", "outcome"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "event_duration_seconds",
			Help:    "Time spent handling an inbound event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"event"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages persisted, duplicates excluded.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Outbound frames dropped because a client send buffer was full.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Events rejected by the abuse guard.",
		}, []string{"event"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_total",
			Help: "Call attempts by final outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.ConnectionsActive, m.UsersOnline, m.ActiveCalls,
		m.EventsTotal, m.EventDuration, m.MessagesSent,
		m.FramesDropped, m.RateLimited, m.CallsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
