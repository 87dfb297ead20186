// Package sharedctx maintains the shared key-value context that teams
// contribute to. Each team stages its contributions in its own document;
// the merged view lives in a single document updated with last-write-wins
// per key. Merging only writes keys, never deletes them, so an isolated
// contributor's entries survive until another team overwrites them.
package sharedctx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/leonletto/loom/internal/identity"
	"github.com/leonletto/loom/internal/paths"
	"github.com/leonletto/loom/internal/store"
)

// Entry is one merged context value with its provenance.
type Entry struct {
	Value       string    `json:"value"`
	Contributor string    `json:"contributor"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// contextDoc is the merged context document.
type contextDoc struct {
	Entries map[string]Entry `json:"entries"`
}

// Manager stages per-team contributions and merges them into the shared
// context document.
type Manager struct {
	doc       *store.DocStore[contextDoc]
	stagedDir string

	now func() time.Time
}

// NewManager creates a context manager rooted at the coordination directory.
func NewManager(loomDir string) *Manager {
	return &Manager{
		doc:       store.NewDocStore[contextDoc](paths.ContextPath(loomDir)),
		stagedDir: paths.StagedContextDir(loomDir),
		now:       time.Now,
	}
}

// SetClock replaces the manager clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Synchronize stages teamID's contributions and merges them into the shared
// context immediately. Returns the staged keys in sorted order. The staged
// document keeps the team's latest contribution, so the periodic merge loop
// re-applies it harmlessly.
func (m *Manager) Synchronize(teamID string, values map[string]string) ([]string, error) {
	if err := identity.ValidateTeamID(teamID); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	for key := range values {
		if key == "" {
			return nil, fmt.Errorf("%w: context key cannot be empty", identity.ErrInvalidID)
		}
	}

	now := m.now().UTC()
	staged := make(map[string]Entry, len(values))
	keys := make([]string, 0, len(values))
	for key, value := range values {
		staged[key] = Entry{Value: value, Contributor: teamID, UpdatedAt: now}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	stagedDoc := store.NewDocStore[map[string]Entry](m.stagedPath(teamID))
	err := stagedDoc.Update(func(doc *map[string]Entry) error {
		if *doc == nil {
			*doc = make(map[string]Entry)
		}
		for key, entry := range staged {
			(*doc)[key] = entry
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage context for %s: %w", teamID, err)
	}

	if err := m.merge(staged); err != nil {
		return nil, err
	}
	return keys, nil
}

// Snapshot returns the merged context. Missing document yields an empty map.
func (m *Manager) Snapshot() (map[string]Entry, error) {
	doc, err := m.doc.View()
	if err != nil {
		return nil, err
	}
	if doc.Entries == nil {
		return map[string]Entry{}, nil
	}
	return doc.Entries, nil
}

// MergeStaged merges every team's staged document into the shared context.
// Returns the number of keys whose merged value changed. A staged document
// that cannot be read is skipped so one team's corrupt file never blocks the
// rest; the per-file errors are joined into the returned error.
func (m *Manager) MergeStaged() (int, error) {
	dirEntries, err := os.ReadDir(m.stagedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staged context dir: %w", err)
	}

	combined := make(map[string]Entry)
	var fileErrs []error
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		stagedDoc := store.NewDocStore[map[string]Entry](filepath.Join(m.stagedDir, name))
		staged, err := stagedDoc.View()
		if err != nil {
			fileErrs = append(fileErrs, fmt.Errorf("staged context %s: %w", name, err))
			continue
		}
		for key, entry := range staged {
			if current, ok := combined[key]; !ok || entry.UpdatedAt.After(current.UpdatedAt) {
				combined[key] = entry
			}
		}
	}

	if len(combined) == 0 {
		return 0, errors.Join(fileErrs...)
	}

	applied := 0
	err = m.doc.Update(func(doc *contextDoc) error {
		if doc.Entries == nil {
			doc.Entries = make(map[string]Entry)
		}
		for key, entry := range combined {
			if current, ok := doc.Entries[key]; !ok || entry.UpdatedAt.After(current.UpdatedAt) {
				doc.Entries[key] = entry
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge staged context: %w", err)
	}
	return applied, errors.Join(fileErrs...)
}

// merge applies entries to the shared context with last-write-wins per key.
// An existing entry with an equal or newer timestamp is kept, which makes
// re-merging the same staged document a no-op.
func (m *Manager) merge(entries map[string]Entry) error {
	err := m.doc.Update(func(doc *contextDoc) error {
		if doc.Entries == nil {
			doc.Entries = make(map[string]Entry)
		}
		for key, entry := range entries {
			if current, ok := doc.Entries[key]; !ok || entry.UpdatedAt.After(current.UpdatedAt) {
				doc.Entries[key] = entry
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("merge context: %w", err)
	}
	return nil
}

func (m *Manager) stagedPath(teamID string) string {
	return filepath.Join(m.stagedDir, teamID+".json")
}
