package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is a container of metrics for an executor.
type metrics struct {
	// registry to collect metrics as a unit.
	reg *prometheus.Registry

	driversTotal   *prometheus.CounterVec
	quantaTotal    prometheus.Counter
	parksTotal     prometheus.Counter
	fragmentsTotal *prometheus.CounterVec

	readyDrivers prometheus.Gauge

	quantumSeconds prometheus.Histogram
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()

	return &metrics{
		reg: reg,

		driversTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "starrocks_pipeline_drivers_total",
			Help: "Total number of drivers by terminal state",
		}, []string{"state"}),
		quantaTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "starrocks_pipeline_quanta_total",
			Help: "Total number of scheduling quanta run by drivers",
		}),
		parksTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "starrocks_pipeline_driver_parks_total",
			Help: "Total number of times a blocked driver was parked until a readiness event",
		}),
		fragmentsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "starrocks_pipeline_fragments_total",
			Help: "Total number of finished fragments by status code",
		}, []string{"code"}),

		readyDrivers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "starrocks_pipeline_ready_drivers",
			Help: "Number of drivers waiting in the ready queue",
		}),

		quantumSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "starrocks_pipeline_quantum_seconds",
			Help: "Number of seconds a driver ran during one scheduling quantum",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}

// Register registers metrics to report to reg.
func (m *metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
