package sidecar

import (
	"github.com/mrexodia/sidecar-manager/logging"
)

// Option configures the Supervisor
type Option func(*Supervisor)

// WithLogger sets the logging sink
func WithLogger(l logging.Logger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(mc MetricsCollector) Option {
	return func(s *Supervisor) {
		s.metrics = mc
	}
}

// WithPortProbe replaces the loopback port check
func WithPortProbe(free func(host string, port int) bool) Option {
	return func(s *Supervisor) {
		s.portFree = free
	}
}

// WithExitHandler sets the callback for unexpected terminations
func WithExitHandler(h ExitHandler) Option {
	return func(s *Supervisor) {
		s.onExit = h
	}
}
