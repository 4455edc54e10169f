package gossip

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *gossipMetrics
)

type gossipMetrics struct {
	admitted    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	requests    *prometheus.CounterVec
	inflight    prometheus.Gauge
	rebroadcast prometheus.Gauge
}

func newGossipMetrics() *gossipMetrics {
	metricsOnce.Do(func() {
		m := &gossipMetrics{
			admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_gossip_admitted_total",
				Help: "Gossip messages passed to the worker, by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_gossip_dropped_total",
				Help: "Gossip messages discarded before the worker, by reason.",
			}, []string{"reason"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_gossip_requests_total",
				Help: "Sync requests by outcome.",
			}, []string{"outcome"}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "obsync_gossip_requests_inflight",
				Help: "Outstanding sync requests.",
			}),
			rebroadcast: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "obsync_gossip_rebroadcast_entries",
				Help: "Checkpoint messages waiting for finality.",
			}),
		}
		prometheus.MustRegister(m.admitted, m.dropped, m.requests, m.inflight, m.rebroadcast)
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *gossipMetrics) recordAdmit(msgType byte) {
	m.admitted.WithLabelValues(fmt.Sprintf("0x%02x", msgType)).Inc()
}

func (m *gossipMetrics) recordDrop(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *gossipMetrics) recordRequest(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}
