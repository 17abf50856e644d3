package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is a container of metrics for a reporter.
type metrics struct {
	reg *prometheus.Registry

	submitted *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	delivered prometheus.Counter
	failed    *prometheus.CounterVec
	attempts  prometheus.Counter

	pending prometheus.GaugeFunc

	deliverySeconds prometheus.Histogram
}

func newMetrics(q *reportQueue) *metrics {
	reg := prometheus.NewRegistry()

	return &metrics{
		reg: reg,

		submitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "starrocks_report_submitted_total",
			Help: "Total number of reports submitted, by whether they are final",
		}, []string{"final"}),
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "starrocks_report_dropped_total",
			Help: "Total number of reports dropped without delivery, by reason",
		}, []string{"reason"}),
		delivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "starrocks_report_delivered_total",
			Help: "Total number of reports acknowledged by the coordinator",
		}),
		failed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "starrocks_report_failed_total",
			Help: "Total number of reports that could not be delivered, by reason",
		}, []string{"reason"}),
		attempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "starrocks_report_delivery_attempts_total",
			Help: "Total number of delivery attempts",
		}),

		pending: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "starrocks_report_pending",
			Help: "Number of reports waiting for delivery",
		}, func() float64 { return float64(q.len()) }),

		deliverySeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "starrocks_report_delivery_seconds",
			Help: "Time to deliver a report, including retries",

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
