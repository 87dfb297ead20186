// Package cli implements the operations behind the loom commands. The
// cobra layer in cmd/loom stays thin: flag parsing and output selection
// live there, everything else lives here so it can be tested directly.
package cli

import (
	"fmt"

	"github.com/leonletto/loom/internal/daemon"
	"github.com/leonletto/loom/internal/paths"
)

// Connect opens an RPC client to the daemon serving workdir's
// coordination directory.
func Connect(workdir string) (*daemon.Client, error) {
	loomDir, err := paths.ResolveLoomDir(workdir)
	if err != nil {
		return nil, err
	}
	client, err := daemon.NewClient(paths.SocketPath(loomDir))
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable, run 'loom daemon start' first: %w", err)
	}
	return client, nil
}
