package repo

import (
	"context"
	"database/sql"
	"time"

	"annotline/internal/domain"
)

// ReplaceAnnotationsTx swaps the task's annotation set for anns.
func (r Repo) ReplaceAnnotationsTx(ctx context.Context, tx *sql.Tx, taskID int64, anns []domain.Annotation, createdBy string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE task_id=?`, taskID); err != nil {
		return err
	}
	ts := FormatTime(now)
	for _, a := range anns {
		if _, err := tx.ExecContext(ctx, `INSERT INTO annotations(task_id,category,x1,y1,x2,y2,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			taskID, a.Category, a.Box.X1, a.Box.Y1, a.Box.X2, a.Box.Y2, createdBy, ts); err != nil {
			return err
		}
	}
	return nil
}

func listAnnotations(ctx context.Context, q queryer, taskIDs []int64) (map[int64][]domain.Annotation, error) {
	res := map[int64][]domain.Annotation{}
	if len(taskIDs) == 0 {
		return res, nil
	}
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT id,task_id,category,x1,y1,x2,y2,created_by,created_at FROM annotations WHERE task_id IN (`+placeholders(len(taskIDs))+`) ORDER BY task_id, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.Annotation
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Category, &a.Box.X1, &a.Box.Y1, &a.Box.X2, &a.Box.Y2, &a.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		res[a.TaskID] = append(res[a.TaskID], a)
	}
	return res, rows.Err()
}

func (r Repo) CountAnnotations(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM annotations a JOIN tasks t ON t.id=a.task_id WHERE t.project_id=?`, projectID).Scan(&n)
	return n, err
}
