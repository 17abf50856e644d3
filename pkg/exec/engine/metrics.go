package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qiyongbo/starrocks/pkg/util/mempool"
)

type metrics struct {
	reg *prometheus.Registry

	fragmentsSubmitted *prometheus.CounterVec
	fragmentsTracked   prometheus.GaugeFunc
	memoryBytes        prometheus.GaugeFunc
	memoryPeakBytes    prometheus.GaugeFunc
}

func newMetrics(fragments *fragmentManager, tracker *mempool.Tracker) *metrics {
	reg := prometheus.NewRegistry()

	return &metrics{
		reg: reg,

		fragmentsSubmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "starrocks_engine_fragments_submitted_total",
			Help: "Total number of fragment instances submitted, by outcome of the submission",
		}, []string{"status"}),
		fragmentsTracked: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "starrocks_engine_fragments",
			Help: "Number of fragment instances whose final report has not been handled yet",
		}, func() float64 { return float64(fragments.len()) }),
		memoryBytes: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "starrocks_engine_memory_bytes",
			Help: "Memory currently tracked across all fragments",
		}, func() float64 { return float64(tracker.Consumption()) }),
		memoryPeakBytes: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "starrocks_engine_memory_peak_bytes",
			Help: "Highest memory tracked across all fragments",
		}, func() float64 { return float64(tracker.Peak()) }),
	}
}

// Register registers metrics to report to reg.
func (m *metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
