package sidecar

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrexodia/sidecar-manager/logging"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	phaseTransitions *prometheus.CounterVec
	logLines         *prometheus.CounterVec
	spawnDuration    *prometheus.HistogramVec
	killDuration     *prometheus.HistogramVec
	exits            *prometheus.CounterVec
	running          prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "sidecar"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of supervisor phase transitions",
		},
		[]string{"from", "to"},
	)

	pmc.logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Total number of sidecar output lines by classified level",
		},
		[]string{"level"},
	)

	pmc.spawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spawn_duration_seconds",
			Help:      "Duration of sidecar spawn calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pmc.killDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kill_duration_seconds",
			Help:      "Duration of sidecar kill calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Total number of sidecar terminations by outcome",
		},
		[]string{"outcome"},
	)

	pmc.running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while the supervisor is in the Running phase",
		},
	)

	pmc.registry.MustRegister(
		pmc.phaseTransitions,
		pmc.logLines,
		pmc.spawnDuration,
		pmc.killDuration,
		pmc.exits,
		pmc.running,
	)

	return pmc
}

// PhaseTransition records a phase change and tracks the running gauge
func (pmc *PrometheusMetricsCollector) PhaseTransition(from, to Phase) {
	pmc.phaseTransitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == PhaseRunning {
		pmc.running.Set(1)
	} else if from == PhaseRunning {
		pmc.running.Set(0)
	}
}

// LogLine records a classified output line
func (pmc *PrometheusMetricsCollector) LogLine(level logging.Level) {
	pmc.logLines.WithLabelValues(level.String()).Inc()
}

// SpawnDuration records the duration of a spawn call
func (pmc *PrometheusMetricsCollector) SpawnDuration(duration time.Duration, err error) {
	pmc.spawnDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// KillDuration records the duration of a kill call
func (pmc *PrometheusMetricsCollector) KillDuration(duration time.Duration, err error) {
	pmc.killDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// Exit records a termination as clean, error or signal
func (pmc *PrometheusMetricsCollector) Exit(code *int) {
	outcome := "signal"
	if code != nil {
		outcome = "clean"
		if *code != 0 {
			outcome = "error"
		}
	}
	pmc.exits.WithLabelValues(outcome).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
