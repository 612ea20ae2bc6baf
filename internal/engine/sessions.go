package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"annotline/internal/domain"
	"annotline/internal/events"
	"annotline/internal/repo"
)

// OpenSession records a new working session for userID owned by this instance.
func (e Engine) OpenSession(ctx context.Context, userID string) (domain.Session, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		InstanceID: e.InstanceID,
		StartedAt:  e.now(),
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return e.events().Append(ctx, tx, events.SessionOpened, 0, "session", s.ID, userID,
			events.EventPayload{"instance_id": s.InstanceID})
	})
	if err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// CloseSession ends a session. Closing an ended session is a no-op.
func (e Engine) CloseSession(ctx context.Context, sessionID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		if err != nil {
			return err
		}
		ended, err := e.Repo.EndSessionTx(ctx, tx, sessionID, e.now())
		if err != nil || !ended {
			return err
		}
		return e.events().Append(ctx, tx, events.SessionClosed, 0, "session", sessionID, s.UserID, nil)
	})
}

func (e Engine) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return s, err
}

// OpenSessions lists sessions that have not ended, oldest first.
func (e Engine) OpenSessions(ctx context.Context) ([]domain.Session, error) {
	return e.Repo.ListOpenSessions(ctx)
}

// TerminateStaleSessions ends every open session that belongs to another
// instance. Only valid while this instance holds the workspace lock, which
// guarantees those instances are gone.
func (e Engine) TerminateStaleSessions(ctx context.Context) (int64, error) {
	return e.endSessions(ctx, true)
}

// EndInstanceSessions ends this instance's open sessions, for shutdown.
func (e Engine) EndInstanceSessions(ctx context.Context) (int64, error) {
	return e.endSessions(ctx, false)
}

func (e Engine) endSessions(ctx context.Context, others bool) (int64, error) {
	var n int64
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = e.Repo.EndInstanceSessionsTx(ctx, tx, e.InstanceID, others, e.now())
		if err != nil || n == 0 {
			return err
		}
		return e.events().Append(ctx, tx, events.SessionsTerminated, 0, "instance", e.InstanceID, e.Actor,
			events.EventPayload{"count": n, "other_instances": others})
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log().Info("sessions terminated", "count", n, "other_instances", others)
	}
	return n, nil
}
