// Package metrics exposes Prometheus collectors for the hub's HTTP and socket
// surfaces.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Endpoint labels.
const (
	EndpointProvider = "provider"
	EndpointCaller   = "caller"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	providersConnected         prometheus.Gauge
	callerSessions             prometheus.Gauge
	socketRequestsTotal        *prometheus.CounterVec
	socketRequestDuration      *prometheus.HistogramVec
	handshakeFailuresTotal     *prometheus.CounterVec
	outboundDroppedTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		providersConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statushub_providers_connected",
				Help: "Number of provider sessions currently registered.",
			},
		)

		callerSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "statushub_caller_sessions",
				Help: "Number of caller sessions currently open.",
			},
		)

		socketRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statushub_socket_requests_total",
				Help: "Socket requests handled, labeled by endpoint, event and outcome.",
			},
			[]string{"endpoint", "event", "outcome"},
		)

		socketRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statushub_socket_request_duration_seconds",
				Help:    "Histogram of socket request handling latencies.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"endpoint", "event"},
		)

		handshakeFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statushub_handshake_failures_total",
				Help: "Refused socket handshakes, labeled by endpoint and reason.",
			},
			[]string{"endpoint", "reason"},
		)

		outboundDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statushub_outbound_dropped_total",
				Help: "Pushes dropped because a session's outbound queue was full.",
			},
			[]string{"endpoint"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetProvidersConnected records the registry size.
func SetProvidersConnected(n int) {
	providersConnected.Set(float64(n))
}

// IncCallerSessions increments the open caller session gauge.
func IncCallerSessions() {
	callerSessions.Inc()
}

// DecCallerSessions decrements the open caller session gauge.
func DecCallerSessions() {
	callerSessions.Dec()
}

// ObserveSocketRequest records one handled request. outcome is "ok" or the
// acknowledged error text.
func ObserveSocketRequest(endpoint, event, outcome string, duration time.Duration) {
	socketRequestsTotal.WithLabelValues(endpoint, event, outcome).Inc()
	socketRequestDuration.WithLabelValues(endpoint, event).Observe(duration.Seconds())
}

// ObserveHandshakeFailure increments the refused handshake counter.
func ObserveHandshakeFailure(endpoint, reason string) {
	handshakeFailuresTotal.WithLabelValues(endpoint, reason).Inc()
}

// ObserveOutboundDropped increments the dropped push counter.
func ObserveOutboundDropped(endpoint string) {
	outboundDroppedTotal.WithLabelValues(endpoint).Inc()
}
