package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"annotline/internal/domain"
)

const taskColumns = `id,project_id,media_id,state,lease_holder,lease_expires_at,lease_session_id,committed_at,created_at,updated_at`

// claimable matches tasks a new holder may take: free, or leased past expiry.
const claimable = `(state='available' OR (state='leased' AND lease_expires_at<=?))`

// heldBy matches a live lease owned by a specific holder.
const heldBy = `state='leased' AND lease_holder=? AND lease_expires_at>?`

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, projectID, mediaID int64, now time.Time) (int64, error) {
	ts := FormatTime(now)
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id,media_id,state,created_at,updated_at) VALUES (?,?,?,?,?)`,
		projectID, mediaID, string(domain.TaskAvailable), ts, ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q queryer, id int64) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.State == domain.TaskCommitted {
		anns, err := listAnnotations(ctx, q, []int64{t.ID})
		if err != nil {
			return t, err
		}
		t.Annotations = anns[t.ID]
		if t.Annotations == nil {
			t.Annotations = []domain.Annotation{}
		}
	}
	return t, nil
}

type TaskFilters struct {
	ProjectID int64
	State     domain.TaskState
	Limit     int
	AfterID   int64
}

// ListTasks returns tasks in ascending id order. Committed tasks carry their
// annotation set, which never changes after commit.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	var committed []int64
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if t.State == domain.TaskCommitted {
			committed = append(committed, t.ID)
		}
		res = append(res, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(committed) == 0 {
		return res, nil
	}
	anns, err := listAnnotations(ctx, r.DB, committed)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].State != domain.TaskCommitted {
			continue
		}
		res[i].Annotations = anns[res[i].ID]
		if res[i].Annotations == nil {
			res[i].Annotations = []domain.Annotation{}
		}
	}
	return res, nil
}

// NextClaimableTx returns the lowest-id task in the project that a new holder
// may lease at now.
func (r Repo) NextClaimableTx(ctx context.Context, tx *sql.Tx, projectID int64, now time.Time) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? AND `+claimable+` ORDER BY id LIMIT 1`,
		projectID, FormatTime(now)))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// LeaseTaskTx moves a claimable task to leased. It reports false when the task
// stopped being claimable between selection and update.
func (r Repo) LeaseTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string, sessionID *string, now, expires time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='leased', lease_holder=?, lease_expires_at=?, lease_session_id=?, updated_at=?
WHERE id=? AND `+claimable,
		holder, FormatTime(expires), nullableStringPtr(sessionID), FormatTime(now), taskID, FormatTime(now))
	return affectedOne(res, err)
}

func (r Repo) RenewLeaseTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string, now, expires time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET lease_expires_at=?, updated_at=? WHERE id=? AND `+heldBy,
		FormatTime(expires), FormatTime(now), taskID, holder, FormatTime(now))
	return affectedOne(res, err)
}

func (r Repo) CommitTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string, now time.Time) (bool, error) {
	ts := FormatTime(now)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='committed', lease_holder=NULL, lease_expires_at=NULL, lease_session_id=NULL, committed_at=?, updated_at=?
WHERE id=? AND `+heldBy, ts, ts, taskID, holder, ts)
	return affectedOne(res, err)
}

func (r Repo) AbandonTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, holder string, now time.Time) (bool, error) {
	ts := FormatTime(now)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='available', lease_holder=NULL, lease_expires_at=NULL, lease_session_id=NULL, updated_at=?
WHERE id=? AND `+heldBy, ts, taskID, holder, ts)
	return affectedOne(res, err)
}

// ReleaseObservedTx returns a leased task to available only if its lease still
// matches the holder and raw expiry observed by the caller, so a renew that
// landed in between is preserved.
func (r Repo) ReleaseObservedTx(ctx context.Context, tx *sql.Tx, taskID int64, holder, rawExpiry string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='available', lease_holder=NULL, lease_expires_at=NULL, lease_session_id=NULL, updated_at=?
WHERE id=? AND state='leased' AND lease_holder=? AND lease_expires_at=?`, FormatTime(now), taskID, holder, rawExpiry)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LeasedRow is a leased task as stored, before timestamp parsing.
type LeasedRow struct {
	TaskID       int64
	ProjectID    int64
	Holder       string
	RawExpiry    string
	SessionID    *string
	SessionEnded bool
}

// ListLeased returns every leased task with the state of its lease session.
// A lease whose session row is missing counts as ended.
func (r Repo) ListLeased(ctx context.Context) ([]LeasedRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id, t.project_id, COALESCE(t.lease_holder,''), COALESCE(t.lease_expires_at,''), t.lease_session_id,
  CASE WHEN t.lease_session_id IS NULL THEN 0 WHEN s.id IS NULL OR s.ended_at IS NOT NULL THEN 1 ELSE 0 END
FROM tasks t LEFT JOIN sessions s ON s.id = t.lease_session_id
WHERE t.state='leased' ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []LeasedRow
	for rows.Next() {
		var lr LeasedRow
		var session sql.NullString
		var ended int
		if err := rows.Scan(&lr.TaskID, &lr.ProjectID, &lr.Holder, &lr.RawExpiry, &session, &ended); err != nil {
			return nil, err
		}
		lr.SessionID = stringPtr(session)
		lr.SessionEnded = ended == 1
		res = append(res, lr)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByState(ctx context.Context, projectID int64) (map[domain.TaskState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM tasks WHERE project_id=? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskState]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[domain.TaskState(state)] = count
	}
	return res, rows.Err()
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var state, createdAt, updatedAt string
	var holder, expires, session, committedAt sql.NullString
	if err := s.Scan(&t.ID, &t.ProjectID, &t.MediaID, &state, &holder, &expires, &session, &committedAt, &createdAt, &updatedAt); err != nil {
		return t, err
	}
	t.State = domain.TaskState(state)
	t.LeaseHolder = stringPtr(holder)
	t.LeaseSessionID = stringPtr(session)
	var err error
	if t.LeaseExpiresAt, err = parseNullTime(expires); err != nil {
		return t, fmt.Errorf("task %d: %w", t.ID, err)
	}
	if t.CommittedAt, err = parseNullTime(committedAt); err != nil {
		return t, fmt.Errorf("task %d: %w", t.ID, err)
	}
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return t, fmt.Errorf("task %d: %w", t.ID, err)
	}
	if t.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return t, fmt.Errorf("task %d: %w", t.ID, err)
	}
	return t, nil
}
