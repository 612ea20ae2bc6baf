package engine

import (
	"context"
	"database/sql"
	"time"

	"annotline/internal/domain"
	"annotline/internal/events"
	"annotline/internal/repo"
)

// CleanupIncompleteTasks returns to available every leased task whose lease
// has expired or whose session has ended. Each release is keyed on the
// holder and expiry it observed, so a renew that lands first wins. Rows that
// cannot be processed are logged and counted as skipped. Running it again
// without intervening changes releases nothing.
func (e Engine) CleanupIncompleteTasks(ctx context.Context) (domain.CleanupReport, error) {
	started := time.Now()
	report := domain.CleanupReport{Released: []int64{}}
	var rows []repo.LeasedRow
	if err := repo.RetryOnBusy(ctx, func() error {
		var err error
		rows, err = e.Repo.ListLeased(ctx)
		return err
	}); err != nil {
		return report, err
	}
	report.Scanned = len(rows)
	now := e.now()
	logger := e.log()

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		expiry, err := repo.ParseTime(row.RawExpiry)
		if err != nil || row.Holder == "" {
			logger.Warn("skipping unreadable lease", "task_id", row.TaskID, "holder", row.Holder, "expires_at", row.RawExpiry, "error", err)
			report.Skipped++
			continue
		}
		var outcome domain.LeaseOutcome
		switch {
		case !expiry.After(now):
			outcome = domain.LeaseExpired
		case row.SessionEnded:
			outcome = domain.LeaseSessionEnded
		default:
			continue
		}

		released := false
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			released = false
			ok, err := e.Repo.ReleaseObservedTx(ctx, tx, row.TaskID, row.Holder, row.RawExpiry, now)
			if err != nil || !ok {
				return err
			}
			if err := e.Repo.CloseLeaseTx(ctx, tx, row.TaskID, row.Holder, outcome, now); err != nil {
				return err
			}
			if err := e.events().Append(ctx, tx, events.TaskReleased, row.ProjectID, "task", idString(row.TaskID), e.Actor,
				events.EventPayload{"holder": row.Holder, "reason": outcome, "expires_at": row.RawExpiry}); err != nil {
				return err
			}
			released = true
			return nil
		})
		if err != nil {
			logger.Warn("failed to release lease", "task_id", row.TaskID, "holder", row.Holder, "error", err)
			report.Skipped++
			continue
		}
		if released {
			report.Released = append(report.Released, row.TaskID)
			e.Metrics.RecordTransition("released")
			logger.Info("lease released", "task_id", row.TaskID, "holder", row.Holder, "reason", outcome)
		}
	}
	e.Metrics.ObserveOperation("cleanup", started)
	logger.Debug("cleanup finished", "scanned", report.Scanned, "released", len(report.Released), "skipped", report.Skipped)
	return report, nil
}
