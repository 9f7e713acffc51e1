package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Results of relay requests.
const (
	relayResultOK        = "ok"
	relayResultInvalid   = "invalid"
	relayResultLimited   = "limited"
	relayResultFailed    = "failed"
	relayResultCancelled = "cancelled"
)

// Metrics holds the collectors of the chat server. Each instance owns its registry so several
// servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	relayRequests  *prometheus.CounterVec
	relayDuration  prometheus.Histogram
	relayFragments prometheus.Counter
	fragments      prometheus.Counter
	cancelled      prometheus.Counter
	views          prometheus.Gauge
	voiceSessions  *prometheus.CounterVec
}

// NewMetrics creates and registers the chat server collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_relay_requests_total",
			Help: "Relay endpoint requests by result.",
		}, []string{"result"}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatbot_relay_duration_seconds",
			Help:    "Duration of streamed relay responses.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		relayFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_relay_fragments_total",
			Help: "Fragments streamed by the relay endpoint.",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_view_fragments_total",
			Help: "Assistant fragments pushed to conversation views.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_view_cancelled_total",
			Help: "Responses cancelled from a conversation view.",
		}),
		views: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbot_views",
			Help: "Open conversation views.",
		}),
		voiceSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_voice_sessions_total",
			Help: "Voice capture sessions by final state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.relayRequests,
		m.relayDuration,
		m.relayFragments,
		m.fragments,
		m.cancelled,
		m.views,
		m.voiceSessions,
	)
	return m
}

// Handler exposes the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
