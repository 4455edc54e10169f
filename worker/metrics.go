package worker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *workerMetrics
)

type workerMetrics struct {
	actions     *prometheus.CounterVec
	nonce       prometheus.Gauge
	snapshotID  prometheus.Gauge
	state       prometheus.Gauge
	partials    *prometheus.CounterVec
	submissions *prometheus.CounterVec
	buffered    prometheus.Gauge
}

func newWorkerMetrics() *workerMetrics {
	metricsOnce.Do(func() {
		m := &workerMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_worker_actions_total",
				Help: "Ordered actions handled by the worker, by result.",
			}, []string{"result"}),
			nonce: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "obsync_worker_nonce",
				Help: "Last applied worker nonce.",
			}),
			snapshotID: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "obsync_worker_finalized_snapshot",
				Help: "Latest finalized snapshot id.",
			}),
			state: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "obsync_worker_state",
				Help: "Worker state (0 uninitialized, 1 syncing, 2 live, 3 stopped).",
			}),
			partials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_worker_partial_signatures_total",
				Help: "Snapshot partial signatures, by result.",
			}, []string{"result"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "obsync_worker_snapshot_submissions_total",
				Help: "Finalized snapshot submissions to the runtime, by result.",
			}, []string{"result"}),
			buffered: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "obsync_worker_buffered_actions",
				Help: "Actions waiting for a nonce gap to close.",
			}),
		}
		prometheus.MustRegister(m.actions, m.nonce, m.snapshotID, m.state, m.partials, m.submissions, m.buffered)
		sharedMetrics = m
	})
	return sharedMetrics
}
