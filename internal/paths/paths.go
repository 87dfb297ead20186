package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvLoomDir overrides coordination directory discovery when set.
const EnvLoomDir = "LOOM_DIR"

// FindLoomRoot walks up from startPath looking for a directory containing .loom/.
// This mimics how git traverses parent directories to find .git/.
// Returns the directory containing .loom/, or an error if none is found.
func FindLoomRoot(startPath string) (string, error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	dir := absPath
	for {
		loomDir := filepath.Join(dir, ".loom")
		info, err := os.Stat(loomDir)
		if err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding .loom/
			return "", fmt.Errorf("no .loom/ directory found (searched from %s to /)", absPath)
		}
		dir = parent
	}
}

// ResolveLoomDir returns the effective .loom/ coordination directory.
//
// Resolution order:
// 1. LOOM_DIR environment variable (must be an absolute path)
// 2. Walk up from workdir looking for an existing .loom/
func ResolveLoomDir(workdir string) (string, error) {
	if env := os.Getenv(EnvLoomDir); env != "" {
		if !filepath.IsAbs(env) {
			return "", fmt.Errorf("%s must be an absolute path, got: %s", EnvLoomDir, env)
		}
		return env, nil
	}

	root, err := FindLoomRoot(workdir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ".loom"), nil
}

// Init creates the .loom/ directory layout under root and returns the
// coordination directory path. Safe to call on an already-initialized tree.
func Init(root string) (string, error) {
	loomDir := filepath.Join(root, ".loom")
	for _, dir := range []string{
		loomDir,
		filepath.Join(loomDir, "var"),
		filepath.Join(loomDir, "context", "staged"),
	} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return loomDir, nil
}

// VarDir returns the runtime state directory inside the coordination directory.
func VarDir(loomDir string) string {
	return filepath.Join(loomDir, "var")
}

// RegistryPath returns the team registry document path.
func RegistryPath(loomDir string) string {
	return filepath.Join(loomDir, "var", "registry.json")
}

// LeasesPath returns the lease table document path.
func LeasesPath(loomDir string) string {
	return filepath.Join(loomDir, "var", "leases.json")
}

// ContextPath returns the merged shared context document path.
func ContextPath(loomDir string) string {
	return filepath.Join(loomDir, "var", "context.json")
}

// StagedContextDir returns the directory holding per-team staged contributions.
func StagedContextDir(loomDir string) string {
	return filepath.Join(loomDir, "context", "staged")
}

// DBPath returns the bridge/message SQLite database path.
func DBPath(loomDir string) string {
	return filepath.Join(loomDir, "var", "coordination.db")
}

// EventLogPath returns the append-only audit log path.
func EventLogPath(loomDir string) string {
	return filepath.Join(loomDir, "events.jsonl")
}

// SocketPath returns the daemon RPC socket path.
func SocketPath(loomDir string) string {
	return filepath.Join(loomDir, "var", "daemon.sock")
}

// PidfilePath returns the daemon pidfile path.
func PidfilePath(loomDir string) string {
	return filepath.Join(loomDir, "var", "daemon.pid")
}

// DaemonLockPath returns the daemon singleton lock file path.
func DaemonLockPath(loomDir string) string {
	return filepath.Join(loomDir, "var", "daemon.lock")
}
