package repo

import (
	"context"
	"database/sql"
	"time"

	"annotline/internal/domain"
)

func (r Repo) OpenLeaseTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string, sessionID *string, acquired, expires time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lease_history(task_id,holder,session_id,acquired_at,expires_at) VALUES (?,?,?,?,?)`,
		taskID, holder, nullableStringPtr(sessionID), FormatTime(acquired), FormatTime(expires))
	return err
}

func (r Repo) ExtendLeaseTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string, expires time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE lease_history SET expires_at=? WHERE task_id=? AND holder=? AND ended_at IS NULL`,
		FormatTime(expires), taskID, holder)
	return err
}

// CloseLeaseTx ends the holder's open history entry for the task.
func (r Repo) CloseLeaseTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string, outcome domain.LeaseOutcome, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE lease_history SET ended_at=?, outcome=? WHERE task_id=? AND holder=? AND ended_at IS NULL`,
		FormatTime(now), string(outcome), taskID, holder)
	return err
}

// LastOutcomeTx returns how the holder's most recent lease on the task ended.
// ErrNotFound means the holder never leased it; a nil outcome means the lease is still open.
func (r Repo) LastOutcomeTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string) (*domain.LeaseOutcome, error) {
	var outcome sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT outcome FROM lease_history WHERE task_id=? AND holder=? ORDER BY id DESC LIMIT 1`, taskID, holder).Scan(&outcome)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !outcome.Valid {
		return nil, nil
	}
	o := domain.LeaseOutcome(outcome.String)
	return &o, nil
}

func (r Repo) ListLeaseHistory(ctx context.Context, taskID int64) ([]domain.LeaseRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,holder,session_id,acquired_at,expires_at,ended_at,outcome FROM lease_history WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LeaseRecord
	for rows.Next() {
		var lr domain.LeaseRecord
		var session, ended, outcome sql.NullString
		var acquired, expires string
		if err := rows.Scan(&lr.ID, &lr.TaskID, &lr.Holder, &session, &acquired, &expires, &ended, &outcome); err != nil {
			return nil, err
		}
		lr.SessionID = stringPtr(session)
		if lr.AcquiredAt, err = ParseTime(acquired); err != nil {
			return nil, err
		}
		if lr.ExpiresAt, err = ParseTime(expires); err != nil {
			return nil, err
		}
		if lr.EndedAt, err = parseNullTime(ended); err != nil {
			return nil, err
		}
		if outcome.Valid {
			o := domain.LeaseOutcome(outcome.String)
			lr.Outcome = &o
		}
		res = append(res, lr)
	}
	return res, rows.Err()
}

// CommittedByHolder counts committed leases per holder within a project.
func (r Repo) CommittedByHolder(ctx context.Context, projectID int64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT h.holder, count(*) FROM lease_history h JOIN tasks t ON t.id=h.task_id
WHERE t.project_id=? AND h.outcome='committed' GROUP BY h.holder ORDER BY h.holder`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var holder string
		var n int
		if err := rows.Scan(&holder, &n); err != nil {
			return nil, err
		}
		res[holder] = n
	}
	return res, rows.Err()
}
