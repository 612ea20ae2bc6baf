// Package app wires a workspace into a running task manager: lock, config,
// logging, database, metrics, engine and recovery, in that order.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"annotline/internal/config"
	"annotline/internal/db"
	"annotline/internal/domain"
	"annotline/internal/engine"
	"annotline/internal/logging"
	"annotline/internal/metrics"
	"annotline/internal/migrate"
	"annotline/internal/recovery"
)

type Options struct {
	// Actor is recorded on events that have no acting annotator.
	Actor  string
	Stderr io.Writer
	Now    func() time.Time
}

// App is one process's view of a workspace. Open it once, Close it on exit.
type App struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Registry  *prometheus.Registry
	Metrics   *metrics.TaskMetrics
	Engine    engine.Engine
	Recovery  *recovery.Job

	// StartupReport is the result of the startup sweep, zero when disabled.
	StartupReport domain.CleanupReport

	lock      *db.Lock
	closeLog  func() error
	stopSweep func() error
}

// Open takes the workspace lock and brings the task manager up. When startup
// recovery is enabled it completes before Open returns, so no request can be
// served against leases left by a previous run.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	lock, err := db.AcquireLock(workspace)
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, lock: lock, closeLog: func() error { return nil }, stopSweep: func() error { return nil }}
	if err := a.open(ctx, opts); err != nil {
		_ = a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, opts Options) error {
	cfg, err := config.Load(a.Workspace)
	if err != nil {
		return err
	}
	a.Config = cfg

	logger, closeLog, err := logging.New(cfg.Logging, opts.Stderr)
	if err != nil {
		return err
	}
	a.Logger = logger
	a.closeLog = closeLog

	conn, err := db.Open(db.Config{Workspace: a.Workspace, BusyTimeoutMS: int(cfg.Database.BusyTimeout / time.Millisecond)})
	if err != nil {
		return err
	}
	a.DB = conn
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	mt, err := metrics.NewTaskMetrics(a.Registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	a.Metrics = mt

	e := engine.New(conn, cfg)
	a.Logger = logger.With("instance", e.InstanceID)
	e.Logger = a.Logger
	e.Metrics = mt
	if opts.Actor != "" {
		e.Actor = opts.Actor
	}
	if opts.Now != nil {
		e.Now = opts.Now
	}
	a.Engine = e
	a.Recovery = recovery.New(e, a.Logger, mt)

	if cfg.Recovery.OnStartup {
		report, err := a.Recovery.Startup(ctx)
		if err != nil {
			return fmt.Errorf("startup recovery: %w", err)
		}
		a.StartupReport = report
	}
	a.stopSweep = a.Recovery.Start(context.WithoutCancel(ctx), cfg.Recovery.SweepInterval)
	return nil
}

// Close stops the periodic sweep, runs shutdown recovery when enabled and
// releases the workspace. It returns the first error but always releases.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	if err := a.stopSweep(); err != nil {
		errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
	}
	a.stopSweep = func() error { return nil }
	if a.DB != nil && a.Config != nil && a.Config.Recovery.OnShutdown {
		if _, err := a.Recovery.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown recovery: %w", err))
		}
	}
	if a.Config != nil {
		if err := a.Metrics.WriteTextfile(a.Config.Metrics.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := a.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) release() error {
	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
		a.DB = nil
	}
	errs = append(errs, a.closeLog(), a.lock.Release())
	a.closeLog = func() error { return nil }
	return errors.Join(errs...)
}
