// Package session holds one annotator's in-progress work on a leased task.
// Drafts live only in memory; nothing is persisted until Submit.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"annotline/internal/domain"
)

// ErrSessionClosed is returned by every method once Submit or Discard succeeded,
// or once the lease was lost.
var ErrSessionClosed = errors.New("annotation session closed")

// TaskManager is the subset of the engine a session drives.
type TaskManager interface {
	OpenSession(ctx context.Context, userID string) (domain.Session, error)
	CloseSession(ctx context.Context, sessionID string) error
	RequestTaskForSession(ctx context.Context, projectID int64, sessionID string) (*domain.Task, error)
	GetProject(ctx context.Context, id int64) (domain.Project, error)
	GetMedia(ctx context.Context, id int64) (domain.MediaAsset, error)
	RenewLease(ctx context.Context, taskID int64, userID string) (domain.Task, error)
	CommitTask(ctx context.Context, taskID int64, userID string, annotations []domain.Annotation) (domain.Task, error)
	AbandonTask(ctx context.Context, taskID int64, userID string) (domain.Task, error)
}

type Session struct {
	tm      TaskManager
	record  domain.Session
	project domain.Project
	media   domain.MediaAsset

	mu       sync.Mutex
	task     domain.Task
	category string
	drafts   []domain.Annotation
	closed   bool
}

// Begin opens a session record for userID and leases the next task in the
// project. It returns nil, nil when no task is available.
func Begin(ctx context.Context, tm TaskManager, projectID int64, userID string) (*Session, error) {
	project, err := tm.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	rec, err := tm.OpenSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	task, err := tm.RequestTaskForSession(ctx, projectID, rec.ID)
	if err != nil || task == nil {
		return nil, errors.Join(err, tm.CloseSession(ctx, rec.ID))
	}
	media, err := tm.GetMedia(ctx, task.MediaID)
	if err != nil {
		_, abandonErr := tm.AbandonTask(ctx, task.ID, rec.UserID)
		return nil, errors.Join(fmt.Errorf("load media %d: %w", task.MediaID, err), abandonErr, tm.CloseSession(ctx, rec.ID))
	}
	s := &Session{tm: tm, record: rec, project: project, media: media, task: *task}
	if len(project.Categories) > 0 {
		s.category = project.Categories[0]
	}
	return s, nil
}

func (s *Session) ID() string               { return s.record.ID }
func (s *Session) UserID() string           { return s.record.UserID }
func (s *Session) Project() domain.Project  { return s.project }
func (s *Session) Media() domain.MediaAsset { return s.media }

// Task returns the leased task as last seen by this session.
func (s *Session) Task() domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *Session) Category() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.category
}

// SetCategory selects the label applied by subsequent AddBox calls.
func (s *Session) SetCategory(category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.project.HasCategory(category) {
		return fmt.Errorf("%w: unknown category %q", domain.ErrValidation, category)
	}
	s.category = category
	return nil
}

// AddBox drafts an annotation with the current category and returns its index.
func (s *Session) AddBox(box domain.Box) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	if s.category == "" {
		return 0, fmt.Errorf("%w: no category selected", domain.ErrValidation)
	}
	if err := box.Validate(); err != nil {
		return 0, err
	}
	s.drafts = append(s.drafts, domain.Annotation{Category: s.category, Box: box})
	return len(s.drafts) - 1, nil
}

func (s *Session) RemoveBox(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if index < 0 || index >= len(s.drafts) {
		return fmt.Errorf("%w: no draft at index %d", domain.ErrValidation, index)
	}
	s.drafts = append(s.drafts[:index], s.drafts[index+1:]...)
	return nil
}

// Drafts returns a copy of the drafted annotations.
func (s *Session) Drafts() []domain.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Annotation(nil), s.drafts...)
}

// Renew extends the lease.
func (s *Session) Renew(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	t, err := s.tm.RenewLease(ctx, s.task.ID, s.record.UserID)
	if err != nil {
		return s.failLocked(ctx, err)
	}
	s.task = t
	return nil
}

// Submit commits the drafts and ends the session. Validation failures leave
// the session open so the drafts can be fixed.
func (s *Session) Submit(ctx context.Context) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Task{}, ErrSessionClosed
	}
	drafts := append([]domain.Annotation{}, s.drafts...)
	t, err := s.tm.CommitTask(ctx, s.task.ID, s.record.UserID, drafts)
	if err != nil {
		return domain.Task{}, s.failLocked(ctx, err)
	}
	s.task = t
	return t, s.closeLocked(ctx)
}

// Discard abandons the task, drops the drafts and ends the session.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	t, err := s.tm.AbandonTask(ctx, s.task.ID, s.record.UserID)
	if err != nil {
		return s.failLocked(ctx, err)
	}
	s.task = t
	return s.closeLocked(ctx)
}

// failLocked closes the session when err means the lease is gone.
func (s *Session) failLocked(ctx context.Context, err error) error {
	switch domain.Kind(err) {
	case domain.ErrExpiredLease, domain.ErrLeaseMismatch, domain.ErrAlreadyCommitted, domain.ErrNotFound:
		return errors.Join(err, s.closeLocked(ctx))
	}
	return err
}

func (s *Session) closeLocked(ctx context.Context) error {
	s.closed = true
	s.drafts = nil
	return s.tm.CloseSession(ctx, s.record.ID)
}

// Closed reports whether the session has finished.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
