package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	info := PIDInfo{
		PID:        os.Getpid(),
		LoomDir:    "/tmp/project/.loom",
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		SocketPath: "/tmp/project/.loom/var/daemon.sock",
	}

	if err := WritePIDFile(path, info); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	got, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if got.PID != info.PID || got.LoomDir != info.LoomDir || got.SocketPath != info.SocketPath {
		t.Fatalf("read back %+v, want %+v", got, info)
	}
	if !got.StartedAt.Equal(info.StartedAt) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, info.StartedAt)
	}
}

func TestCheckPIDFileLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := WritePIDFile(path, PIDInfo{PID: os.Getpid(), StartedAt: time.Now()}); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	running, info, err := CheckPIDFile(path)
	if err != nil {
		t.Fatalf("CheckPIDFile failed: %v", err)
	}
	if !running {
		t.Fatal("own pid should be reported running")
	}
	if info.PID != os.Getpid() {
		t.Fatalf("PID = %d, want %d", info.PID, os.Getpid())
	}
}

func TestCheckPIDFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	running, _, err := CheckPIDFile(path)
	if err != nil {
		t.Fatalf("CheckPIDFile on missing file failed: %v", err)
	}
	if running {
		t.Fatal("missing pidfile should not report running")
	}
}

func TestRemovePIDFileIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := WritePIDFile(path, PIDInfo{PID: 1}); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile failed: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("second RemovePIDFile failed: %v", err)
	}
}
