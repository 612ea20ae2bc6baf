package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"annotline/internal/domain"
	"annotline/internal/events"
	"annotline/internal/repo"
)

// claimAttempts bounds how often RequestTask re-selects when its candidate is
// taken between selection and update.
const claimAttempts = 3

// RequestTask leases the lowest-id claimable task in the project to userID.
// Tasks whose lease has expired are claimable even before recovery runs. It
// returns nil, nil when nothing is claimable and never waits for a task.
func (e Engine) RequestTask(ctx context.Context, projectID int64, userID string) (*domain.Task, error) {
	return e.requestTask(ctx, projectID, userID, nil)
}

// RequestTaskForSession is RequestTask on behalf of an open session. The lease
// is tied to the session and is released by recovery once the session ends.
func (e Engine) RequestTaskForSession(ctx context.Context, projectID int64, sessionID string) (*domain.Task, error) {
	s, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.EndedAt != nil {
		return nil, fmt.Errorf("%w: session %s has ended", domain.ErrValidation, sessionID)
	}
	return e.requestTask(ctx, projectID, s.UserID, &s.ID)
}

func (e Engine) requestTask(ctx context.Context, projectID int64, userID string, sessionID *string) (*domain.Task, error) {
	defer e.Metrics.ObserveOperation("request", time.Now())
	userID, err := normalizeUser(userID)
	if err != nil {
		e.Metrics.RecordLeaseError("request", errorKind(err))
		return nil, err
	}

	var (
		granted       *domain.Task
		reclaimedFrom string
	)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		granted, reclaimedFrom = nil, ""
		if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFound("project", projectID)
			}
			return err
		}
		now := e.now()
		expires := now.Add(e.LeaseDuration())
		for attempt := 0; attempt < claimAttempts; attempt++ {
			cand, err := e.Repo.NextClaimableTx(ctx, tx, projectID, now)
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select task: %w", err)
			}
			ok, err := e.Repo.LeaseTaskTx(ctx, tx, cand.ID, userID, sessionID, now, expires)
			if err != nil {
				return fmt.Errorf("lease task %d: %w", cand.ID, err)
			}
			if !ok {
				continue
			}
			if cand.State == domain.TaskLeased && cand.LeaseHolder != nil {
				reclaimedFrom = *cand.LeaseHolder
				if err := e.Repo.CloseLeaseTx(ctx, tx, cand.ID, reclaimedFrom, domain.LeaseReclaimed, now); err != nil {
					return err
				}
			}
			if err := e.Repo.OpenLeaseTx(ctx, tx, cand.ID, userID, sessionID, now, expires); err != nil {
				return err
			}
			payload := events.EventPayload{"expires_at": repo.FormatTime(expires)}
			if reclaimedFrom != "" {
				payload["reclaimed_from"] = reclaimedFrom
			}
			if sessionID != nil {
				payload["session_id"] = *sessionID
			}
			if err := e.events().Append(ctx, tx, events.TaskLeased, projectID, "task", idString(cand.ID), userID, payload); err != nil {
				return err
			}
			t, err := e.Repo.GetTaskTx(ctx, tx, cand.ID)
			if err != nil {
				return err
			}
			granted = &t
			return nil
		}
		return nil
	})
	if err != nil {
		e.Metrics.RecordLeaseError("request", errorKind(err))
		return nil, err
	}
	e.Metrics.RecordRequest(granted != nil)
	if granted == nil {
		e.log().Debug("no task available", "project_id", projectID, "user_id", userID)
		return nil, nil
	}
	if reclaimedFrom != "" {
		e.Metrics.RecordTransition("reclaimed")
		e.log().Info("expired lease reclaimed", "task_id", granted.ID, "previous_holder", reclaimedFrom, "user_id", userID)
	}
	e.Metrics.RecordTransition("leased")
	e.log().Debug("task leased", "task_id", granted.ID, "user_id", userID, "expires_at", granted.LeaseExpiresAt)
	return granted, nil
}

// RenewLease pushes the caller's lease expiry to now plus the lease duration.
func (e Engine) RenewLease(ctx context.Context, taskID int64, userID string) (domain.Task, error) {
	defer e.Metrics.ObserveOperation("renew", time.Now())
	userID, err := normalizeUser(userID)
	if err != nil {
		e.Metrics.RecordLeaseError("renew", errorKind(err))
		return domain.Task{}, err
	}
	var t domain.Task
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		expires := now.Add(e.LeaseDuration())
		ok, err := e.Repo.RenewLeaseTx(ctx, tx, taskID, userID, now, expires)
		if err != nil {
			return fmt.Errorf("renew task %d: %w", taskID, err)
		}
		if !ok {
			return e.leaseFailure(ctx, tx, taskID, userID, now)
		}
		if err := e.Repo.ExtendLeaseTx(ctx, tx, taskID, userID, expires); err != nil {
			return err
		}
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskRenewed, t.ProjectID, "task", idString(taskID), userID,
			events.EventPayload{"expires_at": repo.FormatTime(expires)})
	})
	if err != nil {
		e.Metrics.RecordLeaseError("renew", errorKind(err))
		return domain.Task{}, err
	}
	e.Metrics.RecordTransition("renewed")
	return t, nil
}

// CommitTask validates annotations against the project, then atomically
// stores them and moves the caller's leased task to committed. A nil or empty
// annotation list records a frame with nothing to label.
func (e Engine) CommitTask(ctx context.Context, taskID int64, userID string, annotations []domain.Annotation) (domain.Task, error) {
	defer e.Metrics.ObserveOperation("commit", time.Now())
	userID, err := normalizeUser(userID)
	var t domain.Task
	if err == nil {
		t, err = e.commitTask(ctx, taskID, userID, annotations)
	}
	if err != nil {
		e.Metrics.RecordLeaseError("commit", errorKind(err))
		return domain.Task{}, err
	}
	e.Metrics.RecordTransition("committed")
	e.Metrics.RecordAnnotations(len(t.Annotations))
	e.log().Info("task committed", "task_id", taskID, "user_id", userID, "annotations", len(t.Annotations))
	return t, nil
}

func (e Engine) commitTask(ctx context.Context, taskID int64, userID string, annotations []domain.Annotation) (domain.Task, error) {
	snapshot, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, notFound("task", taskID)
	}
	if err != nil {
		return domain.Task{}, err
	}
	// Committed is terminal, so the snapshot is authoritative here.
	if snapshot.State == domain.TaskCommitted {
		return domain.Task{}, fmt.Errorf("%w: task %d", domain.ErrAlreadyCommitted, taskID)
	}
	categories, err := e.projectCategories(ctx, snapshot.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := validateAnnotations(annotations, categories); err != nil {
		return domain.Task{}, err
	}

	var t domain.Task
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		ok, err := e.Repo.CommitTaskTx(ctx, tx, taskID, userID, now)
		if err != nil {
			return fmt.Errorf("commit task %d: %w", taskID, err)
		}
		if !ok {
			return e.leaseFailure(ctx, tx, taskID, userID, now)
		}
		if err := e.Repo.ReplaceAnnotationsTx(ctx, tx, taskID, annotations, userID, now); err != nil {
			return fmt.Errorf("store annotations: %w", err)
		}
		if err := e.Repo.CloseLeaseTx(ctx, tx, taskID, userID, domain.LeaseCommitted, now); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.TaskCommitted, snapshot.ProjectID, "task", idString(taskID), userID,
			events.EventPayload{"annotations": len(annotations)}); err != nil {
			return err
		}
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		return err
	})
	return t, err
}

func validateAnnotations(annotations []domain.Annotation, categories []string) error {
	allowed := make(map[string]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	for i, a := range annotations {
		if !allowed[a.Category] {
			return fmt.Errorf("%w: annotation %d has unknown category %q", domain.ErrValidation, i, a.Category)
		}
		if err := a.Box.Validate(); err != nil {
			return fmt.Errorf("annotation %d: %w", i, err)
		}
	}
	return nil
}

// AbandonTask returns the caller's leased task to available and discards the lease.
func (e Engine) AbandonTask(ctx context.Context, taskID int64, userID string) (domain.Task, error) {
	defer e.Metrics.ObserveOperation("abandon", time.Now())
	userID, err := normalizeUser(userID)
	if err != nil {
		e.Metrics.RecordLeaseError("abandon", errorKind(err))
		return domain.Task{}, err
	}
	var t domain.Task
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		ok, err := e.Repo.AbandonTaskTx(ctx, tx, taskID, userID, now)
		if err != nil {
			return fmt.Errorf("abandon task %d: %w", taskID, err)
		}
		if !ok {
			return e.leaseFailure(ctx, tx, taskID, userID, now)
		}
		if err := e.Repo.CloseLeaseTx(ctx, tx, taskID, userID, domain.LeaseAbandoned, now); err != nil {
			return err
		}
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskAbandoned, t.ProjectID, "task", idString(taskID), userID, nil)
	})
	if err != nil {
		e.Metrics.RecordLeaseError("abandon", errorKind(err))
		return domain.Task{}, err
	}
	e.Metrics.RecordTransition("abandoned")
	e.log().Info("task abandoned", "task_id", taskID, "user_id", userID)
	return t, nil
}

// leaseFailure explains why a holder-keyed update matched no row. It runs in
// the same transaction as the failed update so the answer reflects that state.
func (e Engine) leaseFailure(ctx context.Context, tx *sql.Tx, taskID int64, userID string, now time.Time) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("task", taskID)
	}
	if err != nil {
		return err
	}
	if t.State == domain.TaskCommitted {
		return fmt.Errorf("%w: task %d", domain.ErrAlreadyCommitted, taskID)
	}
	if t.State == domain.TaskLeased && t.LeaseHolder != nil && *t.LeaseHolder == userID {
		return fmt.Errorf("%w: task %d lease for %s ended at %s", domain.ErrExpiredLease, taskID, userID,
			t.LeaseExpiresAt.Format(time.RFC3339))
	}
	outcome, err := e.Repo.LastOutcomeTx(ctx, tx, taskID, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil && outcome != nil && outcome.Lapsed() {
		return fmt.Errorf("%w: task %d lease for %s lapsed (%s)", domain.ErrExpiredLease, taskID, userID, *outcome)
	}
	if t.State == domain.TaskLeased && t.LeaseHolder != nil {
		return fmt.Errorf("%w: task %d is held by %s", domain.ErrLeaseMismatch, taskID, *t.LeaseHolder)
	}
	return fmt.Errorf("%w: task %d is not leased by %s", domain.ErrLeaseMismatch, taskID, userID)
}

func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFound("task", id)
	}
	return t, err
}

// ListTasks returns a project's tasks in id order, optionally filtered by state.
func (e Engine) ListTasks(ctx context.Context, projectID int64, state domain.TaskState) ([]domain.Task, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, State: state})
}

// LeaseHistory lists every lease the task has had, oldest first.
func (e Engine) LeaseHistory(ctx context.Context, taskID int64) ([]domain.LeaseRecord, error) {
	if _, err := e.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListLeaseHistory(ctx, taskID)
}
