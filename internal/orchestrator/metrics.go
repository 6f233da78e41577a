package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for loop activity.
type Metrics struct {
	iterations  prometheus.Counter
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

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

	iterations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "orchestrator",
		Name:      "iterations_total",
		Help:      "Total agent+verify iterations executed.",
	})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "orchestrator",
		Name:      "runs_total",
		Help:      "Total finished runs by result.",
	}, []string{"result"})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "foreman",
		Subsystem: "orchestrator",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of finished runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	if err := reg.Register(iterations); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			iterations = already.ExistingCollector.(prometheus.Counter)
		} else {
			panic(err)
		}
	}
	if err := reg.Register(runs); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			runs = already.ExistingCollector.(*prometheus.CounterVec)
		} else {
			panic(err)
		}
	}
	if err := reg.Register(runDuration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			runDuration = already.ExistingCollector.(prometheus.Histogram)
		} else {
			panic(err)
		}
	}

	return &Metrics{
		iterations:  iterations,
		runs:        runs,
		runDuration: runDuration,
	}
}

// IncIterations counts one completed iteration.
func (m *Metrics) IncIterations() {
	if m == nil || m.iterations == nil {
		return
	}
	m.iterations.Inc()
}

// IncRuns counts one finished run with its result label.
func (m *Metrics) IncRuns(result string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
}

// ObserveRunDuration records a finished run's wall-clock time.
func (m *Metrics) ObserveRunDuration(d time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}
