package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// CorruptError reports a persisted document that could not be decoded.
// Callers treat it differently from transient I/O errors: the document is
// on disk but unreadable, so retrying will not help.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt document %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err wraps a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

const (
	writeRetries = 3
	retryBackoff = 50 * time.Millisecond
)

// DocStore provides atomic read-modify-write access to a single JSON
// document shared between processes. Writes go through an exclusive file
// lock and a tmp-then-rename sequence, so readers always observe a complete
// document and concurrent writers are serialized by the OS.
//
// A DocStore holds no cached state: every View re-reads the file and every
// Update re-reads it under the lock before applying the mutation. In-memory
// copies of a document are snapshots and must never feed an exclusivity
// decision — the decision happens inside the Update closure.
type DocStore[T any] struct {
	path     string
	lockPath string
}

// NewDocStore creates a document store for the given JSON file path.
// The lock file lives next to the document (registry.json -> registry.lock).
func NewDocStore[T any](path string) *DocStore[T] {
	return &DocStore[T]{
		path:     path,
		lockPath: strings.TrimSuffix(path, ".json") + ".lock",
	}
}

// Path returns the document path.
func (s *DocStore[T]) Path() string {
	return s.path
}

// View returns the latest on-disk snapshot of the document without taking
// the lock. A missing document decodes as the zero value. Safe for
// concurrent use because writers replace the file atomically via rename.
func (s *DocStore[T]) View() (T, error) {
	var doc T
	data, err := os.ReadFile(s.path) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read document: %w", err)
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, &CorruptError{Path: s.path, Err: err}
	}
	return doc, nil
}

// Update applies fn to the current document under the exclusive lock and
// persists the result. fn sees the freshest on-disk state, so check-then-act
// sequences placed inside it are race-free across processes. Returning an
// error from fn aborts the update without writing.
//
// Transient write failures are retried a bounded number of times with
// backoff before surfacing to the caller. A corrupt document aborts
// immediately — overwriting it silently would destroy evidence.
func (s *DocStore[T]) Update(fn func(doc *T) error) error {
	lock, err := Acquire(s.lockPath)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	doc, err := s.View()
	if err != nil {
		return err
	}

	if err := fn(&doc); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff << (attempt - 1))
		}
		if lastErr = s.writeAtomic(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("write document after %d attempts: %w", writeRetries, lastErr)
}

// writeAtomic writes data to a temp file, syncs it, and renames it over the
// document. Rename is atomic on POSIX filesystems, so a reader never sees a
// partially written document.
func (s *DocStore[T]) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpPath) }() // no-op after a successful rename

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
