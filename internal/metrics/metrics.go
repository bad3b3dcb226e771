// Package metrics provides Prometheus metrics for generation calls, voice sessions and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives application metrics. Nop discards everything.
type Recorder interface {
	ObserveGeneration(op, provider string, success bool, errorKind string, duration time.Duration)
	IncThrottle(route string)
	SessionStarted()
	SessionEnded(status string)
	ObserveToolCall(tool, status string)
	LiveConnected()
	LiveDisconnected()
}

// PrometheusRecorder implements Recorder using Prometheus collectors.
type PrometheusRecorder struct {
	generationTotal    *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	throttleTotal      *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	toolCallsTotal     *prometheus.CounterVec
	liveConnections    prometheus.Gauge
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewPrometheusRecorder creates a recorder whose collectors are registered with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		generationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capycode_generation_requests_total",
				Help: "Total number of plan and review generation requests by provider and status",
			},
			[]string{"op", "provider", "status", "error_kind"},
		),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capycode_generation_duration_seconds",
				Help:    "Duration of generation requests in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90},
			},
			[]string{"op", "provider"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capycode_rate_limited_total",
				Help: "Total number of requests rejected by the per-learner rate limiter",
			},
			[]string{"route"},
		),
		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capycode_voice_sessions_total",
				Help: "Voice sessions by terminal status",
			},
			[]string{"status"},
		),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capycode_voice_sessions_active",
			Help: "Voice sessions currently connected to the agent",
		}),
		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capycode_tool_calls_total",
				Help: "Client tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		liveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capycode_live_connections",
			Help: "Open browser voice sockets",
		}),
	}
}

// ObserveGeneration records a completed plan or review request.
func (p *PrometheusRecorder) ObserveGeneration(op, provider string, success bool, errorKind string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.generationTotal.WithLabelValues(op, provider, status, errorKind).Inc()
	p.generationDuration.WithLabelValues(op, provider).Observe(duration.Seconds())
}

// IncThrottle counts a rate-limited request.
func (p *PrometheusRecorder) IncThrottle(route string) {
	p.throttleTotal.WithLabelValues(route).Inc()
}

// SessionStarted marks a session as connected.
func (p *PrometheusRecorder) SessionStarted() {
	p.activeSessions.Inc()
}

// SessionEnded marks a connected session as finished with status.
func (p *PrometheusRecorder) SessionEnded(status string) {
	p.activeSessions.Dec()
	p.sessionsTotal.WithLabelValues(status).Inc()
}

// ObserveToolCall counts a client tool invocation.
func (p *PrometheusRecorder) ObserveToolCall(tool, status string) {
	p.toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// LiveConnected counts an opened browser socket.
func (p *PrometheusRecorder) LiveConnected() {
	p.liveConnections.Inc()
}

// LiveDisconnected counts a closed browser socket.
func (p *PrometheusRecorder) LiveDisconnected() {
	p.liveConnections.Dec()
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Nop is a Recorder that discards all observations.
type Nop struct{}

func (Nop) ObserveGeneration(string, string, bool, string, time.Duration) {}
func (Nop) IncThrottle(string)                                            {}
func (Nop) SessionStarted()                                               {}
func (Nop) SessionEnded(string)                                           {}
func (Nop) ObserveToolCall(string, string)                                {}
func (Nop) LiveConnected()                                                {}
func (Nop) LiveDisconnected()                                             {}
