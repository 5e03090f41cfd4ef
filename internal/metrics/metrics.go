package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stop reasons.
const (
	StopRequested  = "requested"
	StopReaped     = "reaped"
	StopShutdown   = "shutdown"
	StopRetired    = "retired"
	StopRaceLoser  = "race_loser"
	StopCancelled  = "cancelled"
	StopReconfig   = "reconfigured"
	ExitClean      = "clean"
	ExitError      = "error"
	ExitSignal     = "signal"
	RaceInProgress = "in_progress"
	RaceLost       = "lost"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of workers installed by a successful start.",
		}, []string{"role"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of crash restarts issued by the watchdog.",
		}, []string{"role"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of workers stopped, by reason.",
		}, []string{"role", "reason"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of unplanned worker exits observed by the watchdog.",
		}, []string{"role", "status"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of starts that failed to launch a worker.",
		}, []string{"role"},
	)
	startRaces = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "start_races_total",
			Help:      "Concurrent start attempts rejected or terminated for a role already being started.",
		}, []string{"role", "outcome"},
	)
	spawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "spawn_duration_seconds",
			Help:      "Time spent launching a worker outside the registry lock.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"role"},
	)
	workersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "camvisr",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Workers currently registered, per role.",
		}, []string{"role"},
	)
	leasesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "camvisr",
			Subsystem: "lease",
			Name:      "active",
			Help:      "Unexpired leases, per role.",
		}, []string{"role"},
	)
	retentionRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camvisr",
			Subsystem: "retention",
			Name:      "removed_dirs_total",
			Help:      "Recording date directories deleted by the retention sweep.",
		}, []string{"camera"},
	)
	retentionLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "camvisr",
			Subsystem: "retention",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed retention sweep.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerRestarts, workerStops, workerExits, spawnFailures, startRaces, spawnDuration, workersRunning, leasesActive, retentionRemoved, retentionLastRun}
	for _, c := range cs {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(role string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(role).Inc()
	}
}

func IncRestart(role string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(role).Inc()
	}
}

func IncStop(role, reason string) {
	if regOK.Load() {
		workerStops.WithLabelValues(role, reason).Inc()
	}
}

func IncExit(role, status string) {
	if regOK.Load() {
		workerExits.WithLabelValues(role, status).Inc()
	}
}

func IncSpawnFailure(role string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(role).Inc()
	}
}

func IncStartRace(role, outcome string) {
	if regOK.Load() {
		startRaces.WithLabelValues(role, outcome).Inc()
	}
}

func ObserveSpawnDuration(role string, seconds float64) {
	if regOK.Load() {
		spawnDuration.WithLabelValues(role).Observe(seconds)
	}
}

func SetRunning(role string, n int) {
	if regOK.Load() {
		workersRunning.WithLabelValues(role).Set(float64(n))
	}
}

func SetLeases(role string, n int) {
	if regOK.Load() {
		leasesActive.WithLabelValues(role).Set(float64(n))
	}
}

func AddRetentionRemoved(camera string, n int) {
	if regOK.Load() && n > 0 {
		retentionRemoved.WithLabelValues(camera).Add(float64(n))
	}
}

func SetRetentionLastRun(unix float64) {
	if regOK.Load() {
		retentionLastRun.Set(unix)
	}
}
