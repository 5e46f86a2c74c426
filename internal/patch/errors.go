package patch

import (
	"errors"

	"github.com/larsks/hvpatch/internal/backup"
)

var (
	ErrRead         = errors.New("failed to read config")
	ErrParse        = errors.New("failed to parse config")
	ErrConflict     = errors.New("conflicting value")
	ErrLock         = errors.New("config is locked")
	ErrWrite        = errors.New("failed to write config")
	ErrVerification = errors.New("verification failed")

	// Aliases so callers of this package can classify every engine
	// failure without importing backup.
	ErrBackup  = backup.ErrBackup
	ErrRestore = backup.ErrRestore
)
