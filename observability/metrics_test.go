package observability

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, family string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.Metric {
			if matches(m, labels) && m.Counter != nil {
				return m.Counter.GetValue()
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, pair := range m.GetLabel() {
		want, ok := labels[pair.GetName()]
		if !ok {
			continue
		}
		if pair.GetValue() != want {
			return false
		}
		found++
	}
	return found == len(labels)
}

func TestRPCMetricsObserve(t *testing.T) {
	m := RPCMetrics()
	if RPCMetrics() != m {
		t.Fatalf("registry should be initialised once")
	}

	m.Observe("grpc", "metrics_test_submit", "", time.Millisecond)
	m.Observe("grpc", "metrics_test_submit", "Unavailable", time.Millisecond)
	m.Observe("grpc", "metrics_test_submit", "Unavailable", time.Millisecond)
	m.ObserveStatus("http", "metrics_test_submit", http.StatusUnprocessableEntity, time.Millisecond)
	m.RecordThrottle("metrics_test")

	if got := counterValue(t, "obsync_rpc_requests_total", map[string]string{
		"transport": "grpc", "method": "metrics_test_submit", "outcome": "success",
	}); got != 1 {
		t.Fatalf("success count = %v", got)
	}
	if got := counterValue(t, "obsync_rpc_errors_total", map[string]string{
		"transport": "grpc", "method": "metrics_test_submit", "kind": "Unavailable",
	}); got != 2 {
		t.Fatalf("error count = %v", got)
	}
	if got := counterValue(t, "obsync_rpc_errors_total", map[string]string{
		"transport": "http", "method": "metrics_test_submit", "kind": "http_422",
	}); got != 1 {
		t.Fatalf("http error count = %v", got)
	}
	if got := counterValue(t, "obsync_rpc_throttles_total", map[string]string{"transport": "metrics_test"}); got != 1 {
		t.Fatalf("throttle count = %v", got)
	}
}
