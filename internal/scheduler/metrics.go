package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report scheduler activity.
type Metrics struct {
	queueDepth prometheus.Gauge
	dispatched prometheus.Counter
	rejected   prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when several schedulers exist (tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors other than AlreadyRegistered panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foreman",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of work orders waiting for dispatch.",
	})
	dispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "scheduler",
		Name:      "dispatched_total",
		Help:      "Total work orders dispatched to executors.",
	})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "scheduler",
		Name:      "rejected_total",
		Help:      "Total enqueue attempts rejected by backpressure.",
	})

	for _, collector := range []prometheus.Collector{queueDepth, dispatched, rejected} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case queueDepth:
					queueDepth = already.ExistingCollector.(prometheus.Gauge)
				case dispatched:
					dispatched = already.ExistingCollector.(prometheus.Counter)
				case rejected:
					rejected = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		queueDepth: queueDepth,
		dispatched: dispatched,
		rejected:   rejected,
	}
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// IncDispatched counts one dispatch.
func (m *Metrics) IncDispatched() {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.Inc()
}

// IncRejected counts one backpressure rejection.
func (m *Metrics) IncRejected() {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Inc()
}
