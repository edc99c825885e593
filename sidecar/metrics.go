package sidecar

import (
	"time"

	"github.com/mrexodia/sidecar-manager/logging"
)

// MetricsCollector receives supervisor events for instrumentation
type MetricsCollector interface {
	// PhaseTransition records a lifecycle phase change
	PhaseTransition(from, to Phase)

	// LogLine records one classified output line
	LogLine(level logging.Level)

	// SpawnDuration records how long the OS spawn call took
	SpawnDuration(duration time.Duration, err error)

	// KillDuration records how long the kill call took
	KillDuration(duration time.Duration, err error)

	// Exit records a child termination
	Exit(code *int)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) PhaseTransition(from, to Phase)                  {}
func (noopMetricsCollector) LogLine(level logging.Level)                     {}
func (noopMetricsCollector) SpawnDuration(duration time.Duration, err error) {}
func (noopMetricsCollector) KillDuration(duration time.Duration, err error)  {}
func (noopMetricsCollector) Exit(code *int)                                  {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}
