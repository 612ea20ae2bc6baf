// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"annotline/internal/config"
	"annotline/internal/db"
	"annotline/internal/domain"
	"annotline/internal/engine"
	"annotline/internal/migrate"
)

// Epoch is the default start time for test clocks.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ConfigOption customizes the test configuration.
type ConfigOption func(*config.Config)

func WithLeaseDuration(d time.Duration) ConfigOption {
	return func(c *config.Config) { c.Lease.Duration = d }
}

// NewConfig returns the default config with opts applied.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()
	cfg := config.Default()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

// OpenDB opens a migrated database in a fresh workspace and returns both.
func OpenDB(t testing.TB) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, dir
}

// NewEngine builds an engine over a fresh database driven by clock.
func NewEngine(t testing.TB, clock *Clock, opts ...ConfigOption) engine.Engine {
	t.Helper()
	conn, _ := OpenDB(t)
	return EngineOn(t, conn, clock, opts...)
}

// EngineOn builds an engine over an existing database. Each call gets its own
// instance id, standing in for a separate process. Category caches are per
// engine: AddCategories on one is not seen by another until category_ttl lapses.
func EngineOn(t testing.TB, conn *sql.DB, clock *Clock, opts ...ConfigOption) engine.Engine {
	t.Helper()
	eng := engine.New(conn, NewConfig(t, opts...))
	eng.Now = clock.Now
	return eng
}

// SeedProject creates a detection project with categories ball and bat and
// ingests frames media, returning the project and task ids in order.
func SeedProject(t testing.TB, eng engine.Engine, frames int) (domain.Project, []int64) {
	t.Helper()
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, "game-1", domain.ProjectDetection, []string{"ball", "bat"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	for i := 0; i < frames; i++ {
		idx := i
		if _, err := eng.IngestMedia(ctx, p.ID, domain.MediaDescriptor{
			Path:        fmt.Sprintf("frames/game-1/%05d.jpg", i),
			SourceVideo: "game-1.mp4",
			FrameIndex:  &idx,
			Width:       1280,
			Height:      720,
		}); err != nil {
			t.Fatalf("ingest frame %d: %v", i, err)
		}
	}
	tasks, err := eng.ListTasks(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return p, ids
}
