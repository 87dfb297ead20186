package cli

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/leonletto/loom/internal/daemon"
	"github.com/leonletto/loom/internal/daemon/rpc"
	"github.com/leonletto/loom/internal/paths"
)

// DaemonStatusResult contains daemon status information.
type DaemonStatusResult struct {
	Running       bool   `json:"running"`
	Status        string `json:"status"`
	PID           int    `json:"pid,omitempty"`
	LoomDir       string `json:"loom_dir,omitempty"`
	Uptime        string `json:"uptime,omitempty"`
	Version       string `json:"version,omitempty"`
	ActiveTeams   int    `json:"active_teams"`
	IsolatedTeams int    `json:"isolated_teams"`
	Leases        int    `json:"leases"`
	Bridges       int    `json:"bridges"`
}

// DaemonStart starts the daemon in the background by re-executing the
// current binary with the hidden 'daemon run' command.
func DaemonStart(workdir, observerAddr string) error {
	loomDir, err := paths.ResolveLoomDir(workdir)
	if err != nil {
		return err
	}

	running, info, err := daemon.CheckPIDFile(paths.PidfilePath(loomDir))
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon is already running (PID %d) for %s", info.PID, info.LoomDir)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	args := []string{"daemon", "run"}
	if observerAddr != "" {
		args = append(args, "--observer", observerAddr)
	}
	cmd := exec.Command(executable, args...) //nolint:gosec // executable from os.Executable()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), paths.EnvLoomDir+"="+loomDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // detach from the terminal
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	// Do not Wait: the child is adopted by init once we exit.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}

	client, err := daemon.WaitForSocket(paths.SocketPath(loomDir), 10*time.Second)
	if err != nil {
		return fmt.Errorf("daemon did not come up: %w", err)
	}
	return client.Close()
}

// DaemonStop sends SIGTERM to the recorded daemon and waits for it to exit.
func DaemonStop(workdir string) error {
	loomDir, err := paths.ResolveLoomDir(workdir)
	if err != nil {
		return err
	}
	pidPath := paths.PidfilePath(loomDir)

	running, info, err := daemon.CheckPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	process, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", info.PID, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", info.PID, err)
	}

	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for daemon to stop (PID %d still running)", info.PID)
		case <-ticker.C:
			if running, _, _ := daemon.CheckPIDFile(pidPath); !running {
				return nil
			}
		}
	}
}

// DaemonStatus reports whether the daemon is up, enriched over RPC when
// it is.
func DaemonStatus(workdir string) (*DaemonStatusResult, error) {
	loomDir, err := paths.ResolveLoomDir(workdir)
	if err != nil {
		return nil, err
	}

	running, info, err := daemon.CheckPIDFile(paths.PidfilePath(loomDir))
	if err != nil {
		return nil, fmt.Errorf("check daemon status: %w", err)
	}

	result := &DaemonStatusResult{
		Running: running,
		Status:  "stopped",
		PID:     info.PID,
		LoomDir: info.LoomDir,
	}
	if !running {
		return result, nil
	}
	result.Status = "running"

	client, err := daemon.NewClient(paths.SocketPath(loomDir))
	if err != nil {
		result.Status = "unresponsive"
		return result, nil
	}
	defer client.Close()

	var health rpc.HealthResponse
	if err := client.CallInto("health", nil, &health); err != nil {
		result.Status = "unresponsive"
		return result, nil
	}
	result.Uptime = (time.Duration(health.UptimeSeconds) * time.Second).String()
	result.Version = health.Version
	result.ActiveTeams = health.System.ActiveTeams
	result.IsolatedTeams = health.System.IsolatedTeams
	result.Leases = health.System.Leases
	result.Bridges = health.System.Bridges
	return result, nil
}

// FormatDaemonStatus renders a DaemonStatusResult for humans.
func FormatDaemonStatus(r *DaemonStatusResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daemon: %s\n", r.Status)
	if r.PID != 0 {
		fmt.Fprintf(&b, "  PID:       %d\n", r.PID)
	}
	if r.LoomDir != "" {
		fmt.Fprintf(&b, "  Directory: %s\n", r.LoomDir)
	}
	if r.Running {
		if r.Uptime != "" {
			fmt.Fprintf(&b, "  Uptime:    %s\n", r.Uptime)
		}
		if r.Version != "" {
			fmt.Fprintf(&b, "  Version:   %s\n", r.Version)
		}
		fmt.Fprintf(&b, "  Teams:     %d active, %d isolated\n", r.ActiveTeams, r.IsolatedTeams)
		fmt.Fprintf(&b, "  Leases:    %d\n", r.Leases)
		fmt.Fprintf(&b, "  Bridges:   %d\n", r.Bridges)
	}
	return b.String()
}
