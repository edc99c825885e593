package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrexodia/sidecar-manager/config"
	"github.com/mrexodia/sidecar-manager/datadir"
	"github.com/mrexodia/sidecar-manager/logging"
	"github.com/mrexodia/sidecar-manager/probe"
	"github.com/mrexodia/sidecar-manager/shell"
	"github.com/mrexodia/sidecar-manager/sidecar"
	"github.com/mrexodia/sidecar-manager/web"
	"github.com/mrexodia/sidecar-manager/webhook"
)

const webShutdownTimeout = 5 * time.Second

// app is the wired object graph for one run
type app struct {
	log     *logging.ZapLogger
	hub     *logging.Hub
	metrics *sidecar.PrometheusMetricsCollector
	binding *shell.Binding
	web     *web.Server
}

func newApp(cfg config.Config) (*app, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	args, err := cfg.Sidecar.Args()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Sidecar.Timeout()
	if err != nil {
		return nil, err
	}

	hub := logging.NewHub()
	log, err := logging.New(logging.Options{
		Level:       level,
		Development: cfg.Log.Development,
		Tee:         hub,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics := sidecar.NewPrometheusMetricsCollector("sidecar")
	notifier := webhook.NewNotifier(cfg.FailureWebhookURL)

	spawner := &sidecar.ExecSpawner{
		Workdir: cfg.Sidecar.Workdir,
		Env:     cfg.Sidecar.Env,
		EnvFile: cfg.Sidecar.EnvFile,
	}
	sup := sidecar.New(sidecar.Config{
		Name:      cfg.Sidecar.Name,
		Program:   cfg.Sidecar.Binary,
		Host:      cfg.Sidecar.Host,
		Port:      cfg.Sidecar.Port,
		ExtraArgs: args,
	}, spawner, nil,
		sidecar.WithLogger(log),
		sidecar.WithMetrics(metrics),
		sidecar.WithExitHandler(crashNotifier(notifier, log)),
	)

	binding := shell.NewBinding(datadir.PlatformResolver{
		Identifier: cfg.AppID,
		Override:   cfg.Sidecar.DataDir,
	}, sup, shell.Options{
		AppName:         cfg.AppName,
		HealthSchedule:  cfg.Sidecar.Schedule(),
		ShutdownTimeout: timeout,
		Logger:          log,
	})

	a := &app{
		log:     log,
		hub:     hub,
		metrics: metrics,
		binding: binding,
	}
	if cfg.Web.IsEnabled() {
		a.web = web.New(web.Config{
			Host:          cfg.Web.Host,
			Port:          cfg.Web.Port,
			Authorization: cfg.Web.Authorization,
		}, binding, hub, metrics.Registry(), log)
		if !probe.IsAvailable(cfg.Web.Host, cfg.Web.Port) {
			log.Warn("web port already in use, web server disabled", "addr", a.web.Addr())
			a.web = nil
		}
	}
	return a, nil
}

// run starts the backend and blocks until ctx is cancelled or the web
// server fails, then tears everything down.
func run(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	if err := a.binding.Setup(); err != nil {
		a.log.Error("startup failed", "error", err)
		return err
	}

	serverErr := make(chan error, 1)
	if a.web != nil {
		go func() {
			serverErr <- a.web.Start()
		}()
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err = <-serverErr:
		if err != nil {
			a.log.Error("web server failed, shutting down", "error", err)
		}
	}

	a.binding.OnWindowEvent(shell.WindowDestroyed)

	if a.web != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webShutdownTimeout)
		defer cancel()
		if serr := a.web.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
			a.log.Warn("web server shutdown", "error", serr)
		}
	}
	return err
}

// crashNotifier reports unexpected exits to the failure webhook. The POST
// runs off the output pump so a slow endpoint cannot delay shutdown.
func crashNotifier(n *webhook.Notifier, log logging.Logger) sidecar.ExitHandler {
	return func(info sidecar.ExitInfo) {
		log.Error("sidecar exited unexpectedly", "sidecar", info.Name, "pid", info.PID, "uptime", info.Uptime.String())
		if !n.Enabled() {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := n.NotifyCrash(ctx, webhook.CrashPayload{
				Sidecar:   info.Name,
				Timestamp: time.Now(),
				PID:       info.PID,
				ExitCode:  info.Code,
				Uptime:    info.Uptime.Seconds(),
			})
			if err != nil {
				log.Warn("failed to send crash webhook", "error", err)
			}
		}()
	}
}
