// Package monitoring exposes Prometheus metrics for the sync core.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors, registered on a private
// registry so multiple instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Shell cache metrics
	CacheEvents *prometheus.CounterVec

	// Bus metrics
	BusMessages *prometheus.CounterVec

	// Data plane metrics
	BackendOps *prometheus.CounterVec

	// Notification metrics
	Notifications *prometheus.CounterVec

	// Window metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry:  registry,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		CacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_shell_cache_events_total",
				Help: "Shell cache events (hit, miss_network, revalidate, offline)",
			},
			[]string{"event"},
		),
		BusMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_bus_messages_total",
				Help: "Bus messages per transport and outcome",
			},
			[]string{"transport", "status"},
		),
		BackendOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_backend_ops_total",
				Help: "Data plane operations per backend, operation and outcome",
			},
			[]string{"backend", "op", "status"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_notifications_total",
				Help: "Notification state transitions",
			},
			[]string{"state"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "syncd_ws_connections",
				Help: "Currently attached windows",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_ws_messages_total",
				Help: "Inbound websocket messages by type",
			},
			[]string{"type"},
		),
	}
}

// Registry returns the registry the collectors live on, for serving.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCacheEvent implements the shell cache recorder.
func (m *Metrics) RecordCacheEvent(event string) {
	m.CacheEvents.WithLabelValues(event).Inc()
}

// RecordBusMessage implements the bus recorder.
func (m *Metrics) RecordBusMessage(transport, status string) {
	m.BusMessages.WithLabelValues(transport, status).Inc()
}

// RecordBackendOp counts a data plane operation.
func (m *Metrics) RecordBackendOp(backend, op, status string) {
	m.BackendOps.WithLabelValues(backend, op, status).Inc()
}

// RecordNotification implements the notification recorder.
func (m *Metrics) RecordNotification(state string) {
	m.Notifications.WithLabelValues(state).Inc()
}

// RecordWSConnection implements the hub recorder.
func (m *Metrics) RecordWSConnection(delta int) {
	m.WSConnections.Add(float64(delta))
}

// RecordWSMessage implements the hub recorder.
func (m *Metrics) RecordWSMessage(msgType string) {
	m.WSMessages.WithLabelValues(msgType).Inc()
}

// Uptime returns time since process start.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
