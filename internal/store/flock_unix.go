//go:build unix

package store

import (
	"errors"
	"os"
	"syscall"
)

// ErrLocked is returned by TryAcquire when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// flockExclusive acquires an exclusive file lock using flock.
// When block is false the call fails immediately with ErrLocked instead
// of waiting for the holder.
func flockExclusive(f *os.File, block bool) error {
	flags := syscall.LOCK_EX
	if !block {
		flags |= syscall.LOCK_NB
	}
	err := syscall.Flock(int(f.Fd()), flags)
	if err == syscall.EWOULDBLOCK {
		return ErrLocked
	}
	return err
}

// flockUnlock releases a file lock.
func flockUnlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
