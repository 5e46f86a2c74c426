//go:build unix

package fileutil

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when another process holds the lock for
// longer than the requested timeout.
var ErrLockTimeout = errors.New("timed out waiting for lock")

const lockPollInterval = 100 * time.Millisecond

// Lock is an exclusive advisory lock held on "<target>.lock".
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive flock on the lock file next to target,
// polling until timeout elapses. A lock won on a file that its previous
// holder has since removed is dropped and taken again on the current file.
func Acquire(target string, timeout time.Duration) (*Lock, error) {
	path := target + ".lock"
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
		}
		if err := flockUntil(f, path, deadline); err != nil {
			f.Close()
			return nil, err
		}
		if current(f, path) {
			return &Lock{path: path, f: f}, nil
		}
		f.Close()
	}
}

func flockUntil(f *os.File, path string, deadline time.Time) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		time.Sleep(lockPollInterval)
	}
}

// current reports whether f is still the file at path.
func current(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

// Release removes the lock file and then drops the lock. Removing first
// means a waiter that wins the old file finds it gone and retries.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	os.Remove(l.path)
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(unlockErr, closeErr)
}
