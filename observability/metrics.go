package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// RPCMetrics returns the lazily-initialised registry recording client API
// activity across the HTTP and gRPC transports.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "obsync",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total client API requests segmented by transport, method and outcome.",
			}, []string{"transport", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "obsync",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total client API errors segmented by transport, method and error kind.",
			}, []string{"transport", "method", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "obsync",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for client API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"transport", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "obsync",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the per-client rate limiter.",
			}, []string{"transport"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records one request. kind is the typed error kind returned to the
// client, or empty on success.
func (m *rpcMetrics) Observe(transport, method, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if kind != "" {
		outcome = "error"
		m.errors.WithLabelValues(transport, method, kind).Inc()
	}
	m.requests.WithLabelValues(transport, method, outcome).Inc()
	m.latency.WithLabelValues(transport, method).Observe(duration.Seconds())
}

// ObserveStatus is Observe for handlers that only know the HTTP status.
func (m *rpcMetrics) ObserveStatus(transport, method string, status int, duration time.Duration) {
	kind := ""
	if status >= 400 {
		kind = "http_" + strconv.Itoa(status)
	}
	m.Observe(transport, method, kind, duration)
}

func (m *rpcMetrics) RecordThrottle(transport string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(transport).Inc()
}
