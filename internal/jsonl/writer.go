// Package jsonl implements the append-only audit log shared by every
// coordinating process. One JSON document per line; records are immutable
// once written.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leonletto/loom/internal/store"
)

// Writer provides append-only JSONL writing with cross-process locking.
type Writer struct {
	path     string
	lockPath string
}

// NewWriter creates a new JSONL writer for the given path.
// Creates the file and parent directories if they don't exist.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304 - path from internal coordination directory
		if err != nil {
			return nil, fmt.Errorf("create file: %w", err)
		}
		_ = f.Close()
	}

	return &Writer{path: path, lockPath: path + ".lock"}, nil
}

// Append marshals the record to JSON and appends it as one line.
// The write happens under an exclusive cross-process lock so concurrent
// appenders never interleave partial lines.
func (w *Writer) Append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	data = append(data, '\n')

	lock, err := store.Acquire(w.lockPath)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from internal coordination directory
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append to log: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}

	return nil
}

// Reader provides reading from JSONL files.
type Reader struct {
	path string
}

// NewReader creates a new JSONL reader for the given path.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return &Reader{path: path}, nil
}

// ReadAll returns every record in the file in append order.
func (r *Reader) ReadAll() ([]json.RawMessage, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var records []json.RawMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Copy the line (scanner reuses its buffer)
		rec := make(json.RawMessage, len(line))
		copy(rec, line)
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return records, nil
}
