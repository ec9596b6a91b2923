package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawnAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "torvisr",
			Subsystem: "supervisor",
			Name:      "spawn_attempts_total",
			Help:      "Number of Tor spawn attempts.",
		},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torvisr",
			Subsystem: "supervisor",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts by failure reason.",
		}, []string{"reason"},
	)
	bootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "torvisr",
			Subsystem: "supervisor",
			Name:      "bootstrap_duration_seconds",
			Help:      "Time from spawn to the Bootstrapped 100% marker.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torvisr",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "torvisr",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	staleReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torvisr",
			Subsystem: "supervisor",
			Name:      "stale_processes_reaped_total",
			Help:      "Leftover Tor processes terminated before spawning, by origin.",
		}, []string{"origin"},
	)
	controlCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torvisr",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Control-port commands by verb and result.",
		}, []string{"verb", "result"},
	)
	onionServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "torvisr",
			Subsystem: "onion",
			Name:      "services",
			Help:      "Onion services currently cached by virtual port.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawnAttempts, spawnFailures, bootstrapDuration, stateTransitions, currentState, staleReaped, controlCommands, onionServices}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, used when a private registry is configured.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawnAttempt() {
	if regOK.Load() {
		spawnAttempts.Inc()
	}
}

func IncSpawnFailure(reason string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(reason).Inc()
	}
}

func ObserveBootstrapDuration(seconds float64) {
	if regOK.Load() {
		bootstrapDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state as the active one and clears the others.
func SetCurrentState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var v float64
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func IncStaleReaped(origin string) {
	if regOK.Load() {
		staleReaped.WithLabelValues(origin).Inc()
	}
}

func IncControlCommand(verb, result string) {
	if regOK.Load() {
		controlCommands.WithLabelValues(verb, result).Inc()
	}
}

func SetOnionServices(n int) {
	if regOK.Load() {
		onionServices.Set(float64(n))
	}
}
