//go:build !unix

package fileutil

import (
	"errors"
	"time"
)

var ErrLockTimeout = errors.New("timed out waiting for lock")

// Lock is a no-op on platforms without flock.
type Lock struct{}

func Acquire(target string, timeout time.Duration) (*Lock, error) {
	return &Lock{}, nil
}

func (l *Lock) Release() error {
	return nil
}
