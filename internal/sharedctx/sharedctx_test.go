package sharedctx

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/leonletto/loom/internal/paths"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	loomDir, err := paths.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return NewManager(loomDir)
}

func TestSynchronizeAndSnapshot(t *testing.T) {
	m := newTestManager(t)

	keys, err := m.Synchronize("alpha", map[string]string{
		"migration": "running",
		"api":       "v2",
	})
	if err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if want := []string{"api", "migration"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("staged keys = %v, want %v", keys, want)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	entry := snap["migration"]
	if entry.Value != "running" || entry.Contributor != "alpha" {
		t.Errorf("migration entry = %+v", entry)
	}
}

func TestLastWriteWins(t *testing.T) {
	m := newTestManager(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.SetClock(func() time.Time { return current })

	if _, err := m.Synchronize("alpha", map[string]string{"phase": "one"}); err != nil {
		t.Fatalf("Synchronize alpha failed: %v", err)
	}

	current = base.Add(time.Second)
	if _, err := m.Synchronize("beta", map[string]string{"phase": "two"}); err != nil {
		t.Fatalf("Synchronize beta failed: %v", err)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	entry := snap["phase"]
	if entry.Value != "two" || entry.Contributor != "beta" {
		t.Errorf("phase entry = %+v, want beta's write", entry)
	}
}

func TestOlderWriteDoesNotOverwrite(t *testing.T) {
	m := newTestManager(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base.Add(time.Minute)
	m.SetClock(func() time.Time { return current })

	if _, err := m.Synchronize("alpha", map[string]string{"phase": "newer"}); err != nil {
		t.Fatalf("Synchronize alpha failed: %v", err)
	}

	// Beta's clock lags behind alpha's write
	current = base
	if _, err := m.Synchronize("beta", map[string]string{"phase": "older"}); err != nil {
		t.Fatalf("Synchronize beta failed: %v", err)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if entry := snap["phase"]; entry.Value != "newer" {
		t.Errorf("phase entry = %+v, want alpha's newer write kept", entry)
	}
}

func TestMergeStagedPicksUpAllTeams(t *testing.T) {
	m := newTestManager(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.SetClock(func() time.Time { return current })

	if _, err := m.Synchronize("alpha", map[string]string{"build": "green"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	current = base.Add(time.Second)
	if _, err := m.Synchronize("beta", map[string]string{"deploy": "pending"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	// Wipe the merged document; staged contributions must restore it
	if err := os.Remove(m.doc.Path()); err != nil {
		t.Fatalf("remove merged doc: %v", err)
	}

	applied, err := m.MergeStaged()
	if err != nil {
		t.Fatalf("MergeStaged failed: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap["build"].Contributor != "alpha" || snap["deploy"].Contributor != "beta" {
		t.Errorf("snapshot = %+v", snap)
	}

	// Re-merging the same staged documents changes nothing
	applied, err = m.MergeStaged()
	if err != nil {
		t.Fatalf("second MergeStaged failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("re-merge applied = %d, want 0", applied)
	}
}

func TestMergeStagedSkipsCorruptFile(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Synchronize("alpha", map[string]string{"build": "green"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	bad := filepath.Join(m.stagedDir, "mallory.json")
	if err := os.WriteFile(bad, []byte("not json"), 0600); err != nil {
		t.Fatalf("write corrupt staged file: %v", err)
	}

	applied, err := m.MergeStaged()
	if err == nil {
		t.Error("corrupt staged file not reported")
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0", applied)
	}

	// Alpha's contribution still merged despite mallory's corrupt file
	snap, snapErr := m.Snapshot()
	if snapErr != nil {
		t.Fatalf("Snapshot failed: %v", snapErr)
	}
	if snap["build"].Value != "green" {
		t.Errorf("snapshot = %+v, want alpha's entry present", snap)
	}
}

func TestMergeNeverDeletesKeys(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Synchronize("alpha", map[string]string{"legacy": "kept"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	// Alpha goes away: its staged document disappears
	if err := os.Remove(m.stagedPath("alpha")); err != nil {
		t.Fatalf("remove staged doc: %v", err)
	}
	if _, err := m.Synchronize("beta", map[string]string{"fresh": "new"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if _, err := m.MergeStaged(); err != nil {
		t.Fatalf("MergeStaged failed: %v", err)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, ok := snap["legacy"]; !ok {
		t.Error("legacy key deleted by merge")
	}
	if _, ok := snap["fresh"]; !ok {
		t.Error("fresh key missing after merge")
	}
}

func TestSynchronizeValidation(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Synchronize("Bad Name", map[string]string{"k": "v"}); err == nil {
		t.Error("invalid team id accepted")
	}
	if _, err := m.Synchronize("alpha", map[string]string{"": "v"}); err == nil {
		t.Error("empty key accepted")
	}

	keys, err := m.Synchronize("alpha", nil)
	if err != nil {
		t.Fatalf("empty Synchronize failed: %v", err)
	}
	if keys != nil {
		t.Errorf("empty Synchronize staged %v", keys)
	}
}
