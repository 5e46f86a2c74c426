package mountmanager

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/larsks/hvpatch/internal/partition"
)

var (
	ErrMount   = errors.New("mount failed")
	ErrUnmount = errors.New("unmount failed")

	// Cause classes attached to ErrMount and ErrUnmount failures.
	ErrBusy         = errors.New("device busy")
	ErrPermission   = errors.New("permission denied")
	ErrUnrecognized = errors.New("filesystem not recognized")
)

// Backend is the mount/unmount facility of the host OS.
type Backend interface {
	// MountedAt returns the current mountpoint of device, or "" when it
	// is not mounted.
	MountedAt(ctx context.Context, device string) (string, error)
	// Mount mounts device and returns the mountpoint. mkdir creates a
	// directory under the mount root for backends that need one; the
	// manager removes it again when it is not the returned mountpoint.
	// A backend that fails after mounting undoes the mount itself.
	Mount(ctx context.Context, device string, mkdir func() (string, error)) (string, error)
	Unmount(ctx context.Context, device, mountpoint string) error
}

// MountHandle represents one mounted partition. Handles for mounts that
// existed before this run are not owned and are never unmounted.
type MountHandle struct {
	Partition  partition.Partition
	Mountpoint string
	Created    time.Time

	owned      bool
	createdDir bool
	released   bool
}

func (h *MountHandle) Owned() bool { return h.owned }

func (h *MountHandle) Released() bool { return h.released }

type MountManager struct {
	backend   Backend
	mountRoot string
	// createdRoot is set when this manager created mountRoot.
	createdRoot bool
	logger    *log.Logger
	handles   []*MountHandle
	now       func() time.Time
}
