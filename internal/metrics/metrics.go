// Package metrics exposes Prometheus metrics for sessions, tree operations
// and the HTTP API.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// Metrics holds all Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionConnects *prometheus.CounterVec
	SessionBytes    *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	TreeOperations *prometheus.CounterVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
}

// New creates a metrics set with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "sshdeck_sessions_active",
			Help: "Number of ready SSH sessions",
		}),
		SessionConnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshdeck_session_connects_total",
			Help: "Session connect attempts by result",
		}, []string{"result"}),
		SessionBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshdeck_session_bytes_total",
			Help: "Bytes transferred by closed sessions",
		}, []string{"direction"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sshdeck_session_duration_seconds",
			Help:    "Lifetime of sessions from ready to closed",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}),

		TreeOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshdeck_tree_operations_total",
			Help: "Tree store operations by name and result",
		}, []string{"op", "result"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshdeck_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sshdeck_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "sshdeck_ws_connections",
			Help: "Number of open event WebSocket connections",
		}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe tracks session lifecycle metrics for mgr.
func (m *Metrics) Observe(mgr *sshterminal.Manager) {
	mgr.OnStateChange(func(info sshterminal.Info, from, to sshterminal.State) {
		switch to {
		case sshterminal.StateReady:
			m.SessionsActive.Inc()
			m.SessionConnects.WithLabelValues("ok").Inc()
		case sshterminal.StateFailed:
			m.SessionConnects.WithLabelValues("failed").Inc()
		case sshterminal.StateClosed:
			m.SessionsActive.Dec()
			m.SessionBytes.WithLabelValues("in").Add(float64(info.BytesIn))
			m.SessionBytes.WithLabelValues("out").Add(float64(info.BytesOut))
			if !info.ConnectedAt.IsZero() {
				m.SessionDuration.Observe(time.Since(info.ConnectedAt).Seconds())
			}
		}
	})
}

// RecordConnectRejected counts a connect refused before a session existed.
func (m *Metrics) RecordConnectRejected(err error) {
	result := "rejected"
	switch {
	case errors.Is(err, sshterminal.ErrDuplicateID):
		result = "duplicate"
	case errors.Is(err, sshterminal.ErrRateLimited):
		result = "throttled"
	}
	m.SessionConnects.WithLabelValues(result).Inc()
}

// RecordTreeOp counts one tree store operation.
func (m *Metrics) RecordTreeOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TreeOperations.WithLabelValues(op, result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
