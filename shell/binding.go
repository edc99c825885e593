// Package shell binds the sidecar supervisor to the host shell's lifecycle:
// the startup hook spawns it and destruction of the main window kills it.
package shell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mrexodia/sidecar-manager/datadir"
	"github.com/mrexodia/sidecar-manager/logging"
	"github.com/mrexodia/sidecar-manager/sidecar"
)

// WindowEvent is a lifecycle event of the main window
type WindowEvent int

const (
	WindowFocused WindowEvent = iota
	WindowResized
	WindowCloseRequested
	WindowDestroyed
)

// String returns the string representation of a WindowEvent
func (e WindowEvent) String() string {
	switch e {
	case WindowFocused:
		return "Focused"
	case WindowResized:
		return "Resized"
	case WindowCloseRequested:
		return "CloseRequested"
	case WindowDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Options configures a Binding
type Options struct {
	AppName         string
	HealthSchedule  string        // Cron spec for liveness reconciliation; empty disables
	ShutdownTimeout time.Duration // How long the destroy hook waits for the output pump
	Logger          logging.Logger
}

// Binding wires a supervisor into the startup and window-destroyed hooks.
type Binding struct {
	resolver        datadir.Resolver
	supervisor      *sidecar.Supervisor
	log             logging.Logger
	appName         string
	healthSchedule  string
	shutdownTimeout time.Duration

	cron     *cron.Cron
	stopOnce sync.Once
}

// NewBinding creates a binding; nothing runs until Setup.
func NewBinding(resolver datadir.Resolver, supervisor *sidecar.Supervisor, opts Options) *Binding {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Binding{
		resolver:        resolver,
		supervisor:      supervisor,
		log:             opts.Logger,
		appName:         opts.AppName,
		healthSchedule:  opts.HealthSchedule,
		shutdownTimeout: opts.ShutdownTimeout,
		cron:            cron.New(),
	}
}

// Setup is the startup hook. Any error it returns is a *StartupError and
// must abort startup. An occupied sidecar port is not an error.
func (b *Binding) Setup() error {
	dir, err := b.resolver.AppDataDir()
	if err != nil {
		return &StartupError{Stage: StageResolveDataDir, Err: err}
	}
	if err := datadir.EnsureExists(dir); err != nil {
		return &StartupError{Stage: StageCreateDataDir, Err: err}
	}

	if b.healthSchedule != "" {
		if _, err := b.cron.AddFunc(b.healthSchedule, b.checkHealth); err != nil {
			return &StartupError{
				Stage: StageScheduleHealth,
				Err:   fmt.Errorf("failed to parse cron schedule %q: %w", b.healthSchedule, err),
			}
		}
	}

	if err := b.supervisor.Spawn(dir); err != nil {
		return &StartupError{Stage: StageSpawnSidecar, Err: err}
	}

	if b.healthSchedule != "" {
		b.cron.Start()
	}

	b.log.Info("startup complete", "data_dir", dir, "phase", b.supervisor.Phase().String())
	return nil
}

// OnWindowEvent is the window hook. Only WindowDestroyed acts: it kills the
// sidecar and waits, bounded by the shutdown timeout, for its output pump.
// It never fails and is safe to call repeatedly.
func (b *Binding) OnWindowEvent(ev WindowEvent) {
	if ev != WindowDestroyed {
		return
	}

	b.stopHealth()

	if !b.supervisor.Kill() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer cancel()
	if err := b.supervisor.Wait(ctx); err != nil {
		b.log.Warn("sidecar output did not drain before shutdown", "error", err)
	}
}

// Status returns the supervisor status
func (b *Binding) Status() sidecar.Status {
	return b.supervisor.Status()
}

// checkHealth releases the handle of a sidecar that exited on its own.
func (b *Binding) checkHealth() {
	if b.supervisor.Reconcile() {
		b.log.Warn("sidecar is no longer running", "phase", b.supervisor.Phase().String())
	}
}

func (b *Binding) stopHealth() {
	b.stopOnce.Do(func() {
		<-b.cron.Stop().Done()
	})
}
