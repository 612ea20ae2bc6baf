package db_test

import (
	"errors"
	"os"
	"testing"

	"annotline/internal/db"
)

func TestOpenCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := os.Stat(db.Path(dir)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal, got %q", mode)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := db.AcquireLock(dir)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := db.AcquireLock(dir); !errors.Is(err, db.ErrWorkspaceLocked) {
		t.Fatalf("expected ErrWorkspaceLocked, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := db.AcquireLock(dir)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	_ = second.Release()
}
