package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindLoomRoot(t *testing.T) {
	tmpDir := t.TempDir()

	// Create .loom in the root
	if err := os.MkdirAll(filepath.Join(tmpDir, ".loom"), 0750); err != nil {
		t.Fatalf("failed to create .loom: %v", err)
	}

	// Create a nested directory
	nested := filepath.Join(tmpDir, "a", "b", "c")
	if err := os.MkdirAll(nested, 0750); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}

	root, err := FindLoomRoot(nested)
	if err != nil {
		t.Fatalf("FindLoomRoot failed: %v", err)
	}

	// Resolve symlinks for comparison (macOS /tmp is a symlink)
	wantRoot, _ := filepath.EvalSymlinks(tmpDir)
	gotRoot, _ := filepath.EvalSymlinks(root)
	if gotRoot != wantRoot {
		t.Errorf("FindLoomRoot = %q, want %q", gotRoot, wantRoot)
	}
}

func TestFindLoomRootNotFound(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := FindLoomRoot(tmpDir); err == nil {
		t.Error("expected error when no .loom/ exists, got nil")
	}
}

func TestResolveLoomDirEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(EnvLoomDir, tmpDir)

	dir, err := ResolveLoomDir(".")
	if err != nil {
		t.Fatalf("ResolveLoomDir failed: %v", err)
	}
	if dir != tmpDir {
		t.Errorf("ResolveLoomDir = %q, want %q", dir, tmpDir)
	}
}

func TestResolveLoomDirRejectsRelativeEnv(t *testing.T) {
	t.Setenv(EnvLoomDir, "relative/path")

	if _, err := ResolveLoomDir("."); err == nil {
		t.Error("expected error for relative LOOM_DIR, got nil")
	}
}

func TestInitCreatesLayout(t *testing.T) {
	tmpDir := t.TempDir()

	loomDir, err := Init(tmpDir)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for _, dir := range []string{
		loomDir,
		VarDir(loomDir),
		StagedContextDir(loomDir),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("expected directory %s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// Idempotent
	if _, err := Init(tmpDir); err != nil {
		t.Errorf("second Init failed: %v", err)
	}
}
