package repo

import (
	"context"
	"database/sql"
	"time"

	"annotline/internal/domain"
)

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,user_id,instance_id,started_at) VALUES (?,?,?,?)`,
		s.ID, s.UserID, s.InstanceID, FormatTime(s.StartedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return getSession(ctx, r.DB, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return getSession(ctx, tx, id)
}

func getSession(ctx context.Context, q queryer, id string) (domain.Session, error) {
	var s domain.Session
	var started string
	var ended sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,user_id,instance_id,started_at,ended_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.UserID, &s.InstanceID, &started, &ended)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.StartedAt, err = ParseTime(started); err != nil {
		return s, err
	}
	s.EndedAt, err = parseNullTime(ended)
	return s, err
}

// EndSessionTx marks one session ended; it reports false if it already was.
func (r Repo) EndSessionTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at=? WHERE id=? AND ended_at IS NULL`, FormatTime(now), id)
	return affectedOne(res, err)
}

// EndInstanceSessionsTx ends open sessions that belong to instanceID, or, when
// others is set, to every instance except instanceID.
func (r Repo) EndInstanceSessionsTx(ctx context.Context, tx *sql.Tx, instanceID string, others bool, now time.Time) (int64, error) {
	op := "="
	if others {
		op = "<>"
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at=? WHERE ended_at IS NULL AND instance_id`+op+`?`, FormatTime(now), instanceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListOpenSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,instance_id,started_at FROM sessions WHERE ended_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		var started string
		if err := rows.Scan(&s.ID, &s.UserID, &s.InstanceID, &started); err != nil {
			return nil, err
		}
		if s.StartedAt, err = ParseTime(started); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
