package repo

import (
	"context"
	"database/sql"
	"time"

	"annotline/internal/domain"
)

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, name string, typ domain.ProjectType, createdAt time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(name,type,created_at) VALUES (?,?,?)`, name, string(typ), FormatTime(createdAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendCategoriesTx adds categories after the project's existing ones, keeping order.
func (r Repo) AppendCategoriesTx(ctx context.Context, tx *sql.Tx, projectID int64, categories []string) error {
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM project_categories WHERE project_id=?`, projectID).Scan(&next); err != nil {
		return err
	}
	for i, c := range categories {
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_categories(project_id,position,name) VALUES (?,?,?)`, projectID, next+i, c); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q queryer, id int64) (domain.Project, error) {
	var p domain.Project
	var typ, createdAt string
	err := q.QueryRowContext(ctx, `SELECT id,name,type,created_at FROM projects WHERE id=?`, id).Scan(&p.ID, &p.Name, &typ, &createdAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Type = domain.ProjectType(typ)
	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return p, err
	}
	cats, err := listCategories(ctx, q, id)
	if err != nil {
		return p, err
	}
	p.Categories = cats
	return p, nil
}

func (r Repo) ListCategories(ctx context.Context, projectID int64) ([]string, error) {
	return listCategories(ctx, r.DB, projectID)
}

func listCategories(ctx context.Context, q queryer, projectID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM project_categories WHERE project_id=? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,type,created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var typ, createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &typ, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		p.Type = domain.ProjectType(typ)
		if p.CreatedAt, err = ParseTime(createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		cats, err := r.ListCategories(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Categories = cats
	}
	return res, nil
}
