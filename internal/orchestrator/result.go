package orchestrator

import (
	"context"
	"errors"

	"github.com/larsks/hvpatch/internal/mountmanager"
	"github.com/larsks/hvpatch/internal/patch"
)

type Status int

const (
	StatusAlreadyPatched Status = iota + 1
	StatusPatched
	StatusSkipped
	StatusFailed
	// StatusMounted is used only in mount-only mode.
	StatusMounted
)

func (s Status) String() string {
	switch s {
	case StatusAlreadyPatched:
		return "already-patched"
	case StatusPatched:
		return "patched"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusMounted:
		return "mounted"
	}
	return "unknown"
}

// Reason explains a skipped or failed result.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonConfigNotFound Reason = "config-not-found"
	ReasonDryRun         Reason = "dry-run"
	ReasonDeclined       Reason = "declined"
	ReasonSkipped        Reason = "skipped-by-operator"
	ReasonMount          Reason = "mount"
	ReasonRead           Reason = "read"
	ReasonParse          Reason = "parse"
	ReasonConflict       Reason = "conflict"
	ReasonLock           Reason = "lock"
	ReasonBackup         Reason = "backup"
	ReasonWrite          Reason = "write"
	ReasonVerification   Reason = "verification"
	ReasonRestore        Reason = "restore"
	ReasonInterrupted    Reason = "interrupted"
	ReasonError          Reason = "error"
)

// Result is the outcome for one partition, or for one explicitly named
// config file.
type Result struct {
	Device     string
	Mountpoint string
	Config     string
	Status     Status
	Reason     Reason
	Err        error
	Backup     string
	Recovered  bool
	// UnmountErr is set when the partition could not be unmounted
	// afterwards. It does not change Status.
	UnmountErr error
}

// Fatal reports whether the result needs manual intervention.
func (r Result) Fatal() bool { return r.Reason == ReasonRestore }

type Report struct {
	Results      []Result
	DiscoveryErr error
	// Aborted is set when the operator declined and remaining partitions
	// were not processed.
	Aborted     bool
	Interrupted bool
}

// OK reports overall success: at least one config ended already-patched
// or patched (or, in mount-only mode, at least one partition was
// mounted) and nothing failed.
func (r Report) OK() bool {
	good := false
	for _, res := range r.Results {
		switch res.Status {
		case StatusFailed:
			return false
		case StatusAlreadyPatched, StatusPatched, StatusMounted:
			good = true
		}
	}
	return good
}

func (r Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, patch.ErrRestore):
		return ReasonRestore
	case errors.Is(err, patch.ErrVerification):
		return ReasonVerification
	case errors.Is(err, patch.ErrWrite):
		return ReasonWrite
	case errors.Is(err, patch.ErrBackup):
		return ReasonBackup
	case errors.Is(err, patch.ErrLock):
		return ReasonLock
	case errors.Is(err, patch.ErrConflict):
		return ReasonConflict
	case errors.Is(err, patch.ErrParse):
		return ReasonParse
	case errors.Is(err, patch.ErrRead):
		return ReasonRead
	case errors.Is(err, mountmanager.ErrMount):
		return ReasonMount
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonInterrupted
	}
	return ReasonError
}
