// Package metrics defines the Prometheus collectors Legion exports on
// /metrics. Collectors live on a private registry so tests can create
// as many instances as they like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Legion collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PublishesTotal  *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	ToolCallsTotal  *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	ChatTurnsTotal  *prometheus.CounterVec
	ActiveStreams   prometheus.Gauge
	DependencyUp    *prometheus.GaugeVec
}

// New creates and registers all collectors on a fresh registry,
// including the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "legion",
				Subsystem: "gateway",
				Name:      "publishes_total",
				Help:      "Device command publishes by topic and outcome",
			},
			[]string{"topic", "status"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "legion",
				Subsystem: "gateway",
				Name:      "publish_duration_seconds",
				Help:      "Time from publish call to broker acknowledgment",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "legion",
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Tool invocations by tool name and result status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "legion",
				Subsystem: "tools",
				Name:      "duration_seconds",
				Help:      "Tool execution time",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ChatTurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "legion",
				Subsystem: "agent",
				Name:      "turns_total",
				Help:      "Conversational turns by transport and outcome",
			},
			[]string{"transport", "status"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "legion",
				Subsystem: "api",
				Name:      "active_streams",
				Help:      "Open SSE and WebSocket chat streams",
			},
		),
		DependencyUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "legion",
				Name:      "dependency_up",
				Help:      "Whether a watched dependency answered its last probe (1) or not (0)",
			},
			[]string{"service"},
		),
	}

	m.registry.MustRegister(
		m.PublishesTotal,
		m.PublishDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ChatTurnsTotal,
		m.ActiveStreams,
		m.DependencyUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObservePublish records one gateway publish.
func (m *Metrics) ObservePublish(topic, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(topic, status).Inc()
	m.PublishDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// ObserveTool records one tool execution.
func (m *Metrics) ObserveTool(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveTurn records one conversational turn.
func (m *Metrics) ObserveTurn(transport, status string) {
	if m == nil {
		return
	}
	m.ChatTurnsTotal.WithLabelValues(transport, status).Inc()
}

// StreamOpened and StreamClosed track open chat streams.
func (m *Metrics) StreamOpened() {
	if m != nil {
		m.ActiveStreams.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.ActiveStreams.Dec()
	}
}

// SetDependency records the latest probe outcome for service.
func (m *Metrics) SetDependency(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.DependencyUp.WithLabelValues(service).Set(v)
}
