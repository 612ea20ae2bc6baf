package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"annotline/internal/domain"
	"annotline/internal/events"
	"annotline/internal/repo"
)

// CreateProject stores a project with its ordered category list.
func (e Engine) CreateProject(ctx context.Context, name string, typ domain.ProjectType, categories []string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, fmt.Errorf("%w: project name is required", domain.ErrValidation)
	}
	typ, err := domain.ParseProjectType(string(typ))
	if err != nil {
		return domain.Project{}, err
	}
	cats, err := normalizeCategories(categories, nil)
	if err != nil {
		return domain.Project{}, err
	}
	if len(cats) == 0 {
		return domain.Project{}, fmt.Errorf("%w: at least one category is required", domain.ErrValidation)
	}

	var p domain.Project
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		id, err := e.Repo.InsertProjectTx(ctx, tx, name, typ, now)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.AppendCategoriesTx(ctx, tx, id, cats); err != nil {
			return fmt.Errorf("insert categories: %w", err)
		}
		if err := e.events().Append(ctx, tx, events.ProjectCreated, id, "project", idString(id), e.Actor,
			events.EventPayload{"name": name, "type": typ, "categories": cats}); err != nil {
			return err
		}
		p, err = e.Repo.GetProjectTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project created", "project_id", p.ID, "name", p.Name, "type", p.Type, "categories", len(p.Categories))
	return p, nil
}

// AddCategories appends categories to an existing project.
func (e Engine) AddCategories(ctx context.Context, projectID int64, categories []string) (domain.Project, error) {
	var p domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("project", projectID)
		}
		if err != nil {
			return err
		}
		cats, err := normalizeCategories(categories, existing.Categories)
		if err != nil {
			return err
		}
		if len(cats) == 0 {
			return fmt.Errorf("%w: no categories given", domain.ErrValidation)
		}
		if err := e.Repo.AppendCategoriesTx(ctx, tx, projectID, cats); err != nil {
			return fmt.Errorf("insert categories: %w", err)
		}
		if err := e.events().Append(ctx, tx, events.CategoriesAdded, projectID, "project", idString(projectID), e.Actor,
			events.EventPayload{"categories": cats}); err != nil {
			return err
		}
		p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.categories.Delete(idString(projectID))
	return p, nil
}

func normalizeCategories(in, existing []string) ([]string, error) {
	seen := make(map[string]bool, len(in)+len(existing))
	for _, c := range existing {
		seen[c] = true
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		c := strings.TrimSpace(raw)
		if c == "" {
			return nil, fmt.Errorf("%w: category names must not be blank", domain.ErrValidation)
		}
		if seen[c] {
			return nil, fmt.Errorf("%w: duplicate category %q", domain.ErrValidation, c)
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func (e Engine) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, notFound("project", id)
	}
	return p, err
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// projectCategories returns the category list, served from cache when fresh.
// Categories are append-only, so a cached list never contains a removed name.
// The cache belongs to this engine; only its own AddCategories invalidates it.
func (e Engine) projectCategories(ctx context.Context, projectID int64) ([]string, error) {
	key := idString(projectID)
	if cached, ok := e.categories.Get(key); ok {
		return cached.([]string), nil
	}
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	e.categories.SetDefault(key, p.Categories)
	return p.Categories, nil
}

// IngestMedia records a media asset and creates its available task in one
// transaction.
func (e Engine) IngestMedia(ctx context.Context, projectID int64, desc domain.MediaDescriptor) (domain.MediaAsset, error) {
	path := strings.TrimSpace(desc.Path)
	if path == "" {
		return domain.MediaAsset{}, fmt.Errorf("%w: media path is required", domain.ErrValidation)
	}
	if desc.FrameIndex != nil && *desc.FrameIndex < 0 {
		return domain.MediaAsset{}, fmt.Errorf("%w: frame index must not be negative", domain.ErrValidation)
	}
	if desc.Width < 0 || desc.Height < 0 {
		return domain.MediaAsset{}, fmt.Errorf("%w: media dimensions must not be negative", domain.ErrValidation)
	}

	var asset domain.MediaAsset
	var taskID int64
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFound("project", projectID)
			}
			return err
		}
		dup, err := e.Repo.MediaPathExistsTx(ctx, tx, projectID, path)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s in project %d", domain.ErrDuplicateMedia, path, projectID)
		}
		asset = domain.MediaAsset{
			ProjectID:   projectID,
			Path:        path,
			SourceVideo: strings.TrimSpace(desc.SourceVideo),
			FrameIndex:  desc.FrameIndex,
			Width:       desc.Width,
			Height:      desc.Height,
			CreatedAt:   e.now(),
		}
		if asset.ID, err = e.Repo.InsertMediaTx(ctx, tx, asset); err != nil {
			if repo.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s in project %d", domain.ErrDuplicateMedia, path, projectID)
			}
			return fmt.Errorf("insert media: %w", err)
		}
		if taskID, err = e.Repo.InsertTaskTx(ctx, tx, projectID, asset.ID, asset.CreatedAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return e.events().Append(ctx, tx, events.MediaIngested, projectID, "media", idString(asset.ID), e.Actor,
			events.EventPayload{"path": path, "task_id": taskID})
	})
	if err != nil {
		return domain.MediaAsset{}, err
	}
	e.log().Debug("media ingested", "project_id", projectID, "media_id", asset.ID, "task_id", taskID, "path", path)
	return asset, nil
}

func (e Engine) GetMedia(ctx context.Context, id int64) (domain.MediaAsset, error) {
	m, err := e.Repo.GetMedia(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return m, notFound("media", id)
	}
	return m, err
}

// ListMedia returns a project's media keyed by id.
func (e Engine) ListMedia(ctx context.Context, projectID int64) (map[int64]domain.MediaAsset, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListMedia(ctx, projectID)
}
