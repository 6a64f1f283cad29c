package godokvs

import "github.com/prometheus/client_golang/prometheus"

// metrics holds every prometheus collector a KVStore exposes. Each store
// constructs its own set rather than reaching for prometheus' global
// registry, so opening two stores in one process (e.g. in tests) never
// collides on metric names.
type metrics struct {
	ops          *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	blocksInUse  prometheus.Gauge
	freeBlocks   prometheus.Gauge
	tocChainLen  prometheus.Gauge
	treeHeight   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "godokvs",
			Name:      "ops_total",
			Help:      "Count of KVStore operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "godokvs",
			Name:      "op_duration_seconds",
			Help:      "Latency of KVStore operations by name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		blocksInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "godokvs",
			Name:      "blocks_in_use",
			Help:      "Number of blocks currently allocated (not free).",
		}),
		freeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "godokvs",
			Name:      "free_blocks",
			Help:      "Number of blocks currently on the free list.",
		}),
		tocChainLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "godokvs",
			Name:      "toc_chain_length",
			Help:      "Number of blocks linked in the Table of Contents chain.",
		}),
		treeHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "godokvs",
			Name:      "index_root_block",
			Help:      "Current index root block id (changes across splits/collapses).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.opLatency, m.blocksInUse, m.freeBlocks, m.tocChainLen, m.treeHeight)
	}
	return m
}

func (m *metrics) observe(op string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.opLatency.WithLabelValues(op).Observe(seconds)
}
