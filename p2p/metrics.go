package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers     prometheus.Gauge
	handshake *prometheus.CounterVec
	gossip    *prometheus.CounterVec
	dropped   *prometheus.CounterVec

	gossipCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "obsync_p2p_peers",
				Help: "Number of connected peers.",
			}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_p2p_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_p2p_messages_total",
				Help: "Count of messages by direction and type.",
			}, []string{"direction", "type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_p2p_dropped_total",
				Help: "Frames dropped before delivery, by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(nm.peers, nm.handshake, nm.gossip, nm.dropped)

		counter, err := otel.GetMeterProvider().Meter("obsync/p2p").Int64Counter("obsync.p2p.messages")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("obsync/p2p").Int64Counter("obsync.p2p.messages")
		}
		nm.gossipCounter = counter
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) recordHandshake(result string) {
	m.handshake.WithLabelValues(result).Inc()
}

func (m *networkMetrics) recordGossip(direction string, msgType byte) {
	label := fmt.Sprintf("0x%02x", msgType)
	m.gossip.WithLabelValues(direction, label).Inc()
	m.gossipCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("type", label),
	))
}

func (m *networkMetrics) recordDrop(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}
