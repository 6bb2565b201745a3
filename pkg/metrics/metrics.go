// Package metrics holds the Prometheus collectors reported by the gateway.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const prefix = "secretary_gateway_"

const (
	typeLabel      = "type"
	resultLabel    = "result"
	secretaryLabel = "secretary"
	kindLabel      = "kind"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDenied  = "denied"
	ResultTimeout = "timeout"
)

// Metrics groups every collector exposed on /metrics.
type Metrics struct {
	upstreamConnections       prometheus.Gauge
	upstreamConnects          *prometheus.CounterVec
	upstreamHeartbeatFailures prometheus.Counter
	toolCalls                 *prometheus.CounterVec
	sessions                  prometheus.Gauge
	catalogEntries            *prometheus.GaugeVec
	allMetrics                []prometheus.Collector
}

// New builds the collectors. Register them with MustRegister or use them as a
// prometheus.Collector.
func New() *Metrics {
	upstreamConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "upstream_connections",
		Help: "Number of cached upstream connections",
	})
	upstreamConnects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "upstream_connect_total",
			Help: "Upstream connection attempts by transport and outcome",
		},
		[]string{typeLabel, resultLabel},
	)
	upstreamHeartbeatFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "upstream_heartbeat_failures_total",
		Help: "Failed heartbeat pings to stream upstreams",
	})
	toolCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tool_calls_total",
			Help: "Proxied tool calls by secretary and outcome",
		},
		[]string{secretaryLabel, resultLabel},
	)
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "sessions",
		Help: "Open frontend sessions",
	})
	catalogEntries := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "catalog_entries",
			Help: "Registered catalog entries by kind",
		},
		[]string{kindLabel},
	)
	return &Metrics{
		upstreamConnections:       upstreamConnections,
		upstreamConnects:          upstreamConnects,
		upstreamHeartbeatFailures: upstreamHeartbeatFailures,
		toolCalls:                 toolCalls,
		sessions:                  sessions,
		catalogEntries:            catalogEntries,
		allMetrics: []prometheus.Collector{
			upstreamConnections,
			upstreamConnects,
			upstreamHeartbeatFailures,
			toolCalls,
			sessions,
			catalogEntries,
		},
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	if m == nil {
		return
	}
	for _, c := range m.allMetrics {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m == nil {
		return
	}
	for _, c := range m.allMetrics {
		c.Collect(ch)
	}
}

func (m *Metrics) SetUpstreamConnections(n int) {
	if m == nil {
		return
	}
	m.upstreamConnections.Set(float64(n))
}

func (m *Metrics) RecordUpstreamConnect(transport, result string) {
	if m == nil {
		return
	}
	m.upstreamConnects.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) RecordHeartbeatFailure() {
	if m == nil {
		return
	}
	m.upstreamHeartbeatFailures.Inc()
}

func (m *Metrics) RecordToolCall(secretary, result string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(secretary, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// SetCatalogEntries records the size of one catalog map ("tools",
// "resources" or "prompts").
func (m *Metrics) SetCatalogEntries(kind string, n int) {
	if m == nil {
		return
	}
	m.catalogEntries.WithLabelValues(kind).Set(float64(n))
}
