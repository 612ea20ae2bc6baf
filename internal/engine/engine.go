package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"annotline/internal/config"
	"annotline/internal/domain"
	"annotline/internal/events"
	"annotline/internal/logging"
	"annotline/internal/metrics"
	"annotline/internal/repo"
)

// Engine is the task manager. It is safe for concurrent use: every state
// change is a compare-and-set inside a SQLite write transaction, so no Go-level
// lock is held across calls.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.TaskMetrics
	InstanceID string
	// Actor is recorded on events for operations without a user, such as
	// project setup and recovery.
	Actor string
	Now   func() time.Time

	categories *cache.Cache
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	ttl := cfg.Cache.CategoryTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		InstanceID: uuid.NewString(),
		Actor:      "system",
		Now:        time.Now,
		categories: cache.New(ttl, 2*ttl),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

func (e Engine) events() events.Writer {
	return events.Writer{DB: e.DB, Now: e.now}
}

// LeaseDuration is how long a granted or renewed lease stays valid.
func (e Engine) LeaseDuration() time.Duration {
	if e.Config != nil && e.Config.Lease.Duration > 0 {
		return e.Config.Lease.Duration
	}
	return 30 * time.Minute
}

// inTx runs fn in a write transaction, retrying when SQLite reports busy.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return repo.RetryOnBusy(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// normalizeUser is applied to every caller-supplied user id so a lease is
// always stored and matched under the same key.
func normalizeUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	return userID, nil
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%w: %s %d", domain.ErrNotFound, kind, id)
}

// errorKind labels err for metrics and logs.
func errorKind(err error) string {
	switch domain.Kind(err) {
	case domain.ErrValidation:
		return "validation"
	case domain.ErrNotFound:
		return "not_found"
	case domain.ErrLeaseMismatch:
		return "lease_mismatch"
	case domain.ErrExpiredLease:
		return "expired_lease"
	case domain.ErrAlreadyCommitted:
		return "already_committed"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
