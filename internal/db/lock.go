package db

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrWorkspaceLocked is returned when another process already owns the workspace.
var ErrWorkspaceLocked = errors.New("workspace is in use by another process")

// Lock is the single-process guard for a workspace. Recovery relies on it:
// sessions belonging to any other instance id are known to be dead.
type Lock struct {
	path string
	fl   *flock.Flock
}

// LockPath returns the lock file path for the workspace.
func LockPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, lockName)
}

// AcquireLock takes the workspace lock without blocking.
func AcquireLock(workspace string) (*Lock, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	path := LockPath(workspace)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrWorkspaceLocked, path)
	}
	return &Lock{path: path, fl: fl}, nil
}

func (l *Lock) Path() string { return l.path }

// Release unlocks the workspace. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
