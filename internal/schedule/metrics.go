package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the scheduled-event queue.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	QueueSize     prometheus.Gauge
	Admissions    *prometheus.CounterVec // result: accepted | refused | error
	Dispatches    *prometheus.CounterVec // result: ok | cancelled | failed | requeued
	StoreWrites   prometheus.Counter
	DrainDuration prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_queue_size",
			Help:      "Number of pending scheduled events",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_admissions_total",
			Help:      "Scheduled event admissions by result",
		}, []string{"result"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_dispatches_total",
			Help:      "Drained scheduled events by dispatch result",
		}, []string{"result"}),
		StoreWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_store_writes_total",
			Help:      "Full rewrites of the persisted queue",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "schedule_drain_duration_seconds",
			Help:      "Time spent draining and dispatching due events",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

func (m *Metrics) admission(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) dispatch(result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) wrote(queueLen int) {
	if m == nil {
		return
	}
	m.StoreWrites.Inc()
	m.QueueSize.Set(float64(queueLen))
}

func (m *Metrics) observeDrain(seconds float64) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(seconds)
}
