package repo

import (
	"context"
	"database/sql"

	"annotline/internal/domain"
)

const mediaColumns = `id,project_id,path,source_video,frame_index,width,height,created_at`

func (r Repo) InsertMediaTx(ctx context.Context, tx *sql.Tx, m domain.MediaAsset) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO media_assets(project_id,path,source_video,frame_index,width,height,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ProjectID, m.Path, nullable(m.SourceVideo), nullableIntPtr(m.FrameIndex), m.Width, m.Height, FormatTime(m.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MediaPathExistsTx reports whether path was already ingested into the project.
func (r Repo) MediaPathExistsTx(ctx context.Context, tx *sql.Tx, projectID int64, path string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM media_assets WHERE project_id=? AND path=?`, projectID, path).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetMedia(ctx context.Context, id int64) (domain.MediaAsset, error) {
	m, err := scanMedia(r.DB.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_assets WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// ListMedia returns a project's media keyed by id.
func (r Repo) ListMedia(ctx context.Context, projectID int64) (map[int64]domain.MediaAsset, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mediaColumns+` FROM media_assets WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]domain.MediaAsset{}
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		res[m.ID] = m
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMedia(s scanner) (domain.MediaAsset, error) {
	var m domain.MediaAsset
	var source sql.NullString
	var frame sql.NullInt64
	var createdAt string
	if err := s.Scan(&m.ID, &m.ProjectID, &m.Path, &source, &frame, &m.Width, &m.Height, &createdAt); err != nil {
		return m, err
	}
	if source.Valid {
		m.SourceVideo = source.String
	}
	if frame.Valid {
		f := int(frame.Int64)
		m.FrameIndex = &f
	}
	var err error
	m.CreatedAt, err = ParseTime(createdAt)
	return m, err
}
