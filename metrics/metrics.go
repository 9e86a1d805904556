// Package metrics exposes Prometheus collectors for the coordination core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors reporting bus and engine activity. A nil
// *Metrics is valid and records nothing, so instrumentation points never
// need to guard against a missing registry.
type Metrics struct {
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	phasesTotal    *prometheus.CounterVec
	tasksTotal     *prometheus.CounterVec
	monitorsActive prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics instance registered with the
// global Prometheus registry. Created once to avoid duplicate registration
// panics when several components are constructed in one process.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNew constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (tests).
// Registration errors panic, mirroring promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "bus",
			Name:      "calls_total",
			Help:      "Total correlated worker calls by family and outcome.",
		},
		[]string{"family", "outcome"},
	)
	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "bus",
			Name:      "call_duration_seconds",
			Help:      "Latency of correlated worker calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"family"},
	)
	phasesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "engine",
			Name:      "phases_total",
			Help:      "Execution phases run, by mode.",
		},
		[]string{"mode"},
	)
	tasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "engine",
			Name:      "tasks_total",
			Help:      "Automation tasks finished, by terminal state.",
		},
		[]string{"state"},
	)
	monitorsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coordinator",
			Subsystem: "subagent",
			Name:      "monitors_active",
			Help:      "Background condition monitors currently running.",
		},
	)

	reg.MustRegister(callsTotal, callDuration, phasesTotal, tasksTotal, monitorsActive)

	return &Metrics{
		callsTotal:     callsTotal,
		callDuration:   callDuration,
		phasesTotal:    phasesTotal,
		tasksTotal:     tasksTotal,
		monitorsActive: monitorsActive,
	}
}

// ObserveCall records one correlated call.
func (m *Metrics) ObserveCall(family, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(family, outcome).Inc()
	m.callDuration.WithLabelValues(family).Observe(elapsed.Seconds())
}

// ObservePhase records one executed phase. Mode is "parallel" or "sequential".
func (m *Metrics) ObservePhase(mode string) {
	if m == nil {
		return
	}
	m.phasesTotal.WithLabelValues(mode).Inc()
}

// ObserveTask records one finished automation task by terminal state.
func (m *Metrics) ObserveTask(state string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(state).Inc()
}

// MonitorStarted increments the active monitor gauge.
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.monitorsActive.Inc()
}

// MonitorStopped decrements the active monitor gauge.
func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.monitorsActive.Dec()
}
