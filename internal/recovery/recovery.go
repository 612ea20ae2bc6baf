// Package recovery returns abandoned leases to the pool. Startup recovery is
// the guarantee; shutdown and periodic sweeps only shorten the time a crashed
// annotator's frame stays locked.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"annotline/internal/domain"
	"annotline/internal/logging"
	"annotline/internal/metrics"
)

const (
	PhaseStartup  = "startup"
	PhaseShutdown = "shutdown"
	PhasePeriodic = "periodic"
	PhaseManual   = "manual"
)

// Manager is the task manager surface recovery needs.
type Manager interface {
	OpenSessions(ctx context.Context) ([]domain.Session, error)
	TerminateStaleSessions(ctx context.Context) (int64, error)
	EndInstanceSessions(ctx context.Context) (int64, error)
	CleanupIncompleteTasks(ctx context.Context) (domain.CleanupReport, error)
}

type Job struct {
	manager Manager
	logger  *slog.Logger
	metrics *metrics.TaskMetrics
	now     func() time.Time
}

func New(m Manager, logger *slog.Logger, mt *metrics.TaskMetrics) *Job {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Job{manager: m, logger: logger.With("component", "recovery"), metrics: mt, now: time.Now}
}

// Startup ends sessions left by previous processes and releases their leases
// along with any expired ones. Run it before serving any request.
func (j *Job) Startup(ctx context.Context) (domain.CleanupReport, error) {
	open, err := j.manager.OpenSessions(ctx)
	if err != nil {
		return domain.CleanupReport{}, fmt.Errorf("list sessions: %w", err)
	}
	// Nothing has been served yet, so every open session is left over.
	for _, s := range open {
		j.logger.Info("ending session from previous run", "session", s.ID, "user", s.UserID, "instance", s.InstanceID)
	}
	n, err := j.manager.TerminateStaleSessions(ctx)
	if err != nil {
		return domain.CleanupReport{}, fmt.Errorf("terminate stale sessions: %w", err)
	}
	if n != int64(len(open)) {
		j.logger.Warn("session count changed during startup", "listed", len(open), "ended", n)
	}
	return j.Sweep(ctx, PhaseStartup)
}

// Shutdown ends this process's sessions and releases their leases.
func (j *Job) Shutdown(ctx context.Context) (domain.CleanupReport, error) {
	if _, err := j.manager.EndInstanceSessions(ctx); err != nil {
		return domain.CleanupReport{}, fmt.Errorf("end sessions: %w", err)
	}
	return j.Sweep(ctx, PhaseShutdown)
}

// Sweep runs one cleanup pass and records it under phase.
func (j *Job) Sweep(ctx context.Context, phase string) (domain.CleanupReport, error) {
	started := j.now()
	report, err := j.manager.CleanupIncompleteTasks(ctx)
	if err != nil {
		j.logger.Error("recovery sweep failed", "phase", phase, "error", err)
		return report, err
	}
	j.metrics.RecordRecovery(phase, len(report.Released), report.Skipped, j.now().Sub(started))
	level := slog.LevelDebug
	if len(report.Released) > 0 || report.Skipped > 0 {
		level = slog.LevelInfo
	}
	j.logger.Log(ctx, level, "recovery sweep",
		"phase", phase, "scanned", report.Scanned, "released", len(report.Released), "skipped", report.Skipped)
	return report, nil
}

// Run sweeps every interval until ctx is done. A failed sweep is logged and
// retried on the next tick. Interval 0 disables the loop.
func (j *Job) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx, PhasePeriodic); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.Warn("periodic recovery will retry", "interval", interval, "error", err)
			}
		}
	}
}

// Start runs the periodic sweep in the background. The returned stop func
// cancels it and waits for the loop to exit.
func (j *Job) Start(ctx context.Context, interval time.Duration) (stop func() error) {
	if interval <= 0 {
		return func() error { return nil }
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.Run(gctx, interval) })
	return func() error {
		cancel()
		return g.Wait()
	}
}
