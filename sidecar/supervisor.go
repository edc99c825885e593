// Package sidecar spawns the backend sidecar process, pumps its output into
// the logging sink and guarantees it is killed at most once.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mrexodia/sidecar-manager/logging"
	"github.com/mrexodia/sidecar-manager/probe"
)

// Phase is the lifecycle phase of a supervisor
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProbing
	PhaseSkipped // port taken, an existing backend is assumed
	PhaseSpawning
	PhaseFailed
	PhaseRunning
	PhaseExited // child terminated on its own, handle still tracked
	PhaseTerminating
	PhaseStopped
	PhaseStoppedWithError
)

// String returns the string representation of a Phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseProbing:
		return "Probing"
	case PhaseSkipped:
		return "Skipped"
	case PhaseSpawning:
		return "Spawning"
	case PhaseFailed:
		return "Failed"
	case PhaseRunning:
		return "Running"
	case PhaseExited:
		return "Exited"
	case PhaseTerminating:
		return "Terminating"
	case PhaseStopped:
		return "Stopped"
	case PhaseStoppedWithError:
		return "StoppedWithError"
	default:
		return "Unknown"
	}
}

var (
	// ErrAlreadySpawned is returned when Spawn is called more than once.
	ErrAlreadySpawned = errors.New("sidecar already spawned")

	// ErrHandleOccupied is returned when the shared state already tracks a child.
	ErrHandleOccupied = errors.New("a sidecar handle is already tracked")
)

// Config describes the sidecar to run
type Config struct {
	Name      string // Used in log fields
	Program   string // Bundled binary name or path
	Host      string
	Port      int
	ExtraArgs []string // Appended after the fixed arguments
}

// Addr returns host:port
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SpawnArgs builds the backend command line.
func SpawnArgs(addr, dataDir string) []string {
	return []string{"serve", "--http", addr, "--dir", dataDir}
}

// ExitInfo describes an unexpected termination
type ExitInfo struct {
	Name   string
	PID    int
	Code   *int
	Uptime time.Duration
}

// ExitHandler is called from the output pump when the child terminates
// without being killed and without a clean exit.
type ExitHandler func(info ExitInfo)

// Supervisor owns the lifecycle of one sidecar process.
type Supervisor struct {
	cfg      Config
	spawner  Spawner
	state    *State
	portFree func(host string, port int) bool
	log      logging.Logger
	metrics  MetricsCollector
	onExit   ExitHandler

	mu       sync.Mutex
	phase    Phase
	dataDir  string
	pumpDone <-chan struct{}
	lastPID  int
	lastExit *int
}

// New creates a supervisor. state is shared with whoever else needs to
// observe or take the child handle; nil creates a private one.
func New(cfg Config, spawner Spawner, state *State, opts ...Option) *Supervisor {
	if state == nil {
		state = NewState()
	}
	s := &Supervisor{
		cfg:      cfg,
		spawner:  spawner,
		state:    state,
		portFree: probe.IsAvailable,
		log:      logging.NewNop(),
		metrics:  NewNoopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn probes the port and starts the sidecar with dataDir as its storage.
// An occupied port is not an error: the phase becomes Skipped and nothing is
// spawned. A spawn failure is returned and leaves the phase Failed.
func (s *Supervisor) Spawn(dataDir string) error {
	if !s.transition(PhaseIdle, PhaseProbing) {
		return ErrAlreadySpawned
	}

	addr := s.cfg.Addr()
	log := s.log.With("sidecar", s.cfg.Name, "addr", addr)

	if !s.portFree(s.cfg.Host, s.cfg.Port) {
		s.transition(PhaseProbing, PhaseSkipped)
		log.Warn("port already in use, assuming the backend is already serving")
		return nil
	}
	s.transition(PhaseProbing, PhaseSpawning)

	args := append(SpawnArgs(addr, dataDir), s.cfg.ExtraArgs...)
	start := time.Now()
	events, proc, err := s.spawner.Spawn(s.cfg.Program, args)
	s.metrics.SpawnDuration(time.Since(start), err)
	if err != nil {
		s.transition(PhaseSpawning, PhaseFailed)
		log.Error("failed to spawn sidecar", "error", err)
		return fmt.Errorf("failed to spawn %s: %w", s.cfg.Program, err)
	}

	child := newChild(proc, events)

	// Publish the pump before the handle so a concurrent Kill always has
	// something to Wait on.
	s.mu.Lock()
	prevDataDir, prevDone, prevPID := s.dataDir, s.pumpDone, s.lastPID
	s.dataDir = dataDir
	s.pumpDone = child.done
	s.lastPID = child.PID()
	s.mu.Unlock()

	if !s.state.Store(child) {
		s.mu.Lock()
		s.dataDir, s.pumpDone, s.lastPID = prevDataDir, prevDone, prevPID
		s.mu.Unlock()
		close(child.done)

		_ = proc.Kill()
		go drain(events)
		s.transition(PhaseSpawning, PhaseFailed)
		log.Error("refusing to track a second sidecar", "pid", child.PID())
		return ErrHandleOccupied
	}

	started := s.transition(PhaseSpawning, PhaseRunning)
	go s.pump(child)

	if !started {
		log.Debug("sidecar was stopped while starting", "pid", child.PID(), "phase", s.Phase().String())
		return nil
	}

	log.Info("sidecar started", "pid", child.PID(), "data_dir", dataDir)
	return nil
}

// Kill takes the child out of the shared state and kills it. Only the caller
// that takes the handle kills; every other call is a no-op. Kill errors are
// logged, not returned. It reports whether this call performed the kill.
func (s *Supervisor) Kill() bool {
	child := s.state.Take()
	if child == nil {
		s.log.Debug("nothing to clean up", "sidecar", s.cfg.Name)
		return false
	}

	log := s.log.With("sidecar", s.cfg.Name, "pid", child.PID())
	s.setPhase(PhaseTerminating)
	child.killed.Store(true)

	start := time.Now()
	err := child.proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		log.Debug("sidecar had already exited")
		err = nil
	}
	s.metrics.KillDuration(time.Since(start), err)

	if err != nil {
		s.setPhase(PhaseStoppedWithError)
		log.Error("failed to stop sidecar", "error", err)
		return true
	}

	s.setPhase(PhaseStopped)
	log.Info("sidecar stopped")
	return true
}

// Wait blocks until the output pump of the spawned child has returned, or
// ctx is done. It returns immediately if nothing was spawned.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.pumpDone
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether a tracked child is still running. It never changes
// the shared state; use Reconcile to drop the handle of an exited child.
func (s *Supervisor) Alive() bool {
	child := s.state.Peek()
	return child != nil && !child.Exited()
}

// Reconcile drops the tracked handle if its child has already terminated.
// It reports whether a handle was dropped.
func (s *Supervisor) Reconcile() bool {
	child := s.state.TakeIf((*Child).Exited)
	if child == nil {
		return false
	}
	s.log.Info("released handle of exited sidecar", "sidecar", s.cfg.Name, "pid", child.PID())
	return true
}

// Phase returns the current phase
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Status represents supervisor status information
type Status struct {
	Name         string  `json:"name"`
	Phase        string  `json:"phase"`
	Addr         string  `json:"addr"`
	DataDir      string  `json:"dataDir,omitempty"`
	PID          int     `json:"pid,omitempty"`
	Alive        bool    `json:"alive"`
	Uptime       float64 `json:"uptime"` // seconds
	LastExitCode *int    `json:"lastExitCode,omitempty"`
}

// Status returns a snapshot for display.
func (s *Supervisor) Status() Status {
	child := s.state.Peek()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:         s.cfg.Name,
		Phase:        s.phase.String(),
		Addr:         s.cfg.Addr(),
		DataDir:      s.dataDir,
		PID:          s.lastPID,
		LastExitCode: s.lastExit,
	}
	if child != nil && !child.Exited() {
		st.Alive = true
		st.Uptime = time.Since(child.StartedAt()).Seconds()
	}
	return st
}

// pump consumes the child's events until it terminates.
func (s *Supervisor) pump(child *Child) {
	defer close(child.done)

	log := s.log.With("sidecar", s.cfg.Name, "pid", child.PID())
	for ev := range child.events {
		level, msg, ok := Classify(ev)
		if !ok {
			continue
		}

		switch e := ev.(type) {
		case StdoutLine:
			s.metrics.LogLine(level)
			logging.At(log, level, msg, "stream", StreamStdout.String())
		case StderrLine:
			s.metrics.LogLine(level)
			logging.At(log, level, msg, "stream", StreamStderr.String())
		case Terminated:
			child.exited.Store(true)
			logging.At(log, level, msg)
			s.handleExit(child, e.Code)
			return
		default:
			logging.At(log, level, msg)
		}
	}

	// Channel closed without a Terminated event
	child.exited.Store(true)
}

func (s *Supervisor) handleExit(child *Child, code *int) {
	s.metrics.Exit(code)

	s.mu.Lock()
	s.lastExit = code
	s.mu.Unlock()
	s.transition(PhaseRunning, PhaseExited)

	if child.killed.Load() || s.onExit == nil {
		return
	}
	if code != nil && *code == 0 {
		return
	}
	s.onExit(ExitInfo{
		Name:   s.cfg.Name,
		PID:    child.PID(),
		Code:   code,
		Uptime: time.Since(child.StartedAt()),
	})
}

// transition moves from -> to if the current phase is from.
func (s *Supervisor) transition(from, to Phase) bool {
	s.mu.Lock()
	if s.phase != from {
		s.mu.Unlock()
		return false
	}
	s.phase = to
	s.mu.Unlock()

	s.metrics.PhaseTransition(from, to)
	return true
}

func (s *Supervisor) setPhase(to Phase) {
	s.mu.Lock()
	from := s.phase
	s.phase = to
	s.mu.Unlock()

	s.metrics.PhaseTransition(from, to)
}

func drain(events <-chan Event) {
	for range events {
	}
}
