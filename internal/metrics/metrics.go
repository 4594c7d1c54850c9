package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "epithetd"
	subsystem = "broker"
)

// States lists every phase label current_state is reported for.
var States = []string{"stopped", "starting", "running", "error"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	brokerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of broker processes spawned.",
		}, []string{"name"},
	)
	brokerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of stop requests sent to a live broker.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Number of broker processes that could not be started.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of broker state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current broker state (1 = in this state, 0 = not).",
		}, []string{"name", "state"},
	)
	discoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovery_attempts_total",
			Help:      "Number of runtime directory scans.",
		}, []string{"name"},
	)
	logTruncations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "log_truncations_total",
			Help:      "Number of times a broker log buffer dropped its oldest output.",
		}, []string{"name"},
	)
	inspectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inspect_duration_seconds",
			Help:      "Wall time of broker inspect invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	residentMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resident_memory_bytes",
			Help:      "Last sampled resident memory of a broker process.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a broker process.",
		}, []string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		brokerStarts, brokerStops, spawnFailures, stateTransitions, currentStates,
		discoveryAttempts, logTruncations, inspectDuration, residentMemory, cpuPercent,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, used when a private registry is configured.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register succeeded.

func IncStart(name string) {
	if regOK.Load() {
		brokerStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		brokerStops.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

func IncDiscoveryAttempt(name string) {
	if regOK.Load() {
		discoveryAttempts.WithLabelValues(name).Inc()
	}
}

func IncLogTruncation(name string) {
	if regOK.Load() {
		logTruncations.WithLabelValues(name).Inc()
	}
}

func ObserveInspect(name string, seconds float64) {
	if regOK.Load() {
		inspectDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active one for name.
func SetCurrentState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func SetResources(name string, rss uint64, cpu float64) {
	if regOK.Load() {
		residentMemory.WithLabelValues(name).Set(float64(rss))
		cpuPercent.WithLabelValues(name).Set(cpu)
	}
}

// Forget drops the per-broker gauges so a removed or renamed broker stops
// being reported. Counters are kept.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		currentStates.DeleteLabelValues(name, s)
	}
	residentMemory.DeleteLabelValues(name)
	cpuPercent.DeleteLabelValues(name)
}
