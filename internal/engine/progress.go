package engine

import (
	"context"

	"annotline/internal/domain"
	"annotline/internal/repo"
)

// Progress reports task counts per state and committed tasks per annotator.
func (e Engine) Progress(ctx context.Context, projectID int64) (domain.Progress, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return domain.Progress{}, err
	}
	byState, err := e.Repo.CountTasksByState(ctx, projectID)
	if err != nil {
		return domain.Progress{}, err
	}
	p := domain.Progress{ProjectID: projectID, ByState: map[domain.TaskState]int{}}
	for _, s := range []domain.TaskState{domain.TaskAvailable, domain.TaskLeased, domain.TaskCommitted} {
		p.ByState[s] = byState[s]
		p.Total += byState[s]
	}
	if p.CommittedByUser, err = e.Repo.CommittedByHolder(ctx, projectID); err != nil {
		return domain.Progress{}, err
	}
	if p.Annotations, err = e.Repo.CountAnnotations(ctx, projectID); err != nil {
		return domain.Progress{}, err
	}
	return p, nil
}

// Events returns the audit log, newest first.
func (e Engine) Events(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
