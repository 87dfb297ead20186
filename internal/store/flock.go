package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Flock holds an exclusive file lock that auto-releases on process death.
// The OS releases the lock automatically when the process exits (even SIGKILL).
type Flock struct {
	path string
	file *os.File
}

// Path returns the path to the lock file.
func (l *Flock) Path() string {
	return l.path
}

// Acquire blocks until the exclusive lock on path is held.
// This is the suspension point for every document store write: a writer
// waiting here is waiting for a peer process to finish its read-modify-write.
func Acquire(path string) (*Flock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	if err := flockExclusive(f, true); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return &Flock{path: path, file: f}, nil
}

// TryAcquire attempts the exclusive lock without blocking.
// Returns ErrLocked if another process holds it. Used for the daemon
// singleton lock where waiting would mask a second running daemon.
func TryAcquire(path string) (*Flock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	if err := flockExclusive(f, false); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return &Flock{path: path, file: f}, nil
}

// Release releases the lock.
// Safe to call multiple times — subsequent calls are no-ops.
func (l *Flock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Capture and nil before operations to prevent double-release on reused fd
	f := l.file
	l.file = nil
	_ = flockUnlock(f)
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}
