package cli

import (
	"fmt"
	"path/filepath"

	"github.com/leonletto/loom/internal/config"
	"github.com/leonletto/loom/internal/paths"
)

// InitResult describes what Init created.
type InitResult struct {
	LoomDir string `json:"loom_dir"`
}

// Init creates the .loom/ coordination directory under root and
// validates any existing configuration so a bad config.json surfaces
// here rather than at daemon start.
func Init(root string) (*InitResult, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	loomDir, err := paths.Init(absRoot)
	if err != nil {
		return nil, err
	}
	if _, err := config.Load(loomDir); err != nil {
		return nil, err
	}
	return &InitResult{LoomDir: loomDir}, nil
}
