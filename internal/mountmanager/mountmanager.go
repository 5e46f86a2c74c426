package mountmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/larsks/hvpatch/internal/command"
	"github.com/larsks/hvpatch/internal/partition"
)

// DefaultMountRoot holds the mountpoint directories this tool creates.
var DefaultMountRoot = defaultMountRoot()

func defaultMountRoot() string {
	if runtime.GOOS == "darwin" {
		return "/private/var/run/hvpatch"
	}
	return "/run/hvpatch"
}

func NewMountManager(backend Backend, mountRoot string, logger *log.Logger) *MountManager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if mountRoot == "" {
		mountRoot = DefaultMountRoot
	}
	return &MountManager{
		backend:   backend,
		mountRoot: mountRoot,
		logger:    logger,
		now:       time.Now,
	}
}

// Mount makes p available and returns a handle for it. A partition that is
// already mounted is reported as mounted-externally and left alone.
func (mm *MountManager) Mount(ctx context.Context, p partition.Partition) (*MountHandle, error) {
	existing, err := mm.backend.MountedAt(ctx, p.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check %s: %w", ErrMount, p.Device, classify(err))
	}
	if existing != "" {
		p.State = partition.MountedExternally
		p.Mountpoint = existing
		h := &MountHandle{Partition: p, Mountpoint: existing, Created: mm.now()}
		mm.handles = append(mm.handles, h)
		mm.logger.Printf("%s is already mounted at %s", p.Device, existing)
		return h, nil
	}

	var dir string
	mkdir := func() (string, error) {
		if dir != "" {
			return dir, nil
		}
		created, err := mm.makeMountDir()
		if err != nil {
			return "", err
		}
		dir = created
		return dir, nil
	}

	mountpoint, err := mm.backend.Mount(ctx, p.Device, mkdir)
	if err != nil {
		if dir != "" {
			mm.removeDir(dir)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrMount, p.Device, classify(err))
	}
	if dir != "" && dir != mountpoint {
		mm.removeDir(dir)
		dir = ""
	}

	p.State = partition.MountedByUs
	p.Mountpoint = mountpoint
	h := &MountHandle{
		Partition:  p,
		Mountpoint: mountpoint,
		Created:    mm.now(),
		owned:      true,
		createdDir: dir != "",
	}
	mm.handles = append(mm.handles, h)
	mm.logger.Printf("mounted %s at %s", p.Device, mountpoint)
	return h, nil
}

// Unmount releases h. Handles that are not owned are marked released
// without touching the mount. A failed unmount leaves h unreleased so a
// later ReleaseAll can retry it.
func (mm *MountManager) Unmount(ctx context.Context, h *MountHandle) error {
	if h == nil || h.released {
		return nil
	}
	if !h.owned {
		h.released = true
		mm.forget(h)
		mm.logger.Printf("leaving %s mounted at %s", h.Partition.Device, h.Mountpoint)
		return nil
	}

	if err := mm.backend.Unmount(ctx, h.Partition.Device, h.Mountpoint); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnmount, h.Mountpoint, classify(err))
	}
	h.released = true
	h.Partition.State = partition.Unmounted
	mm.forget(h)
	mm.logger.Printf("unmounted %s", h.Mountpoint)

	if h.createdDir {
		mm.removeDir(h.Mountpoint)
	}
	return nil
}

// Detach gives up ownership of h, leaving the partition mounted.
func (mm *MountManager) Detach(h *MountHandle) {
	if h == nil || h.released {
		return
	}
	h.owned = false
	h.released = true
	mm.forget(h)
	mm.logger.Printf("leaving %s mounted at %s", h.Partition.Device, h.Mountpoint)
}

// ReleaseAll unmounts every handle still held, newest first.
func (mm *MountManager) ReleaseAll(ctx context.Context) error {
	pending := append([]*MountHandle(nil), mm.handles...)
	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		if err := mm.Unmount(ctx, pending[i]); err != nil {
			mm.logger.Printf("warning: %v", err)
			errs = append(errs, err)
		}
	}
	mm.removeRoot()
	return errors.Join(errs...)
}

// Handles returns the handles that have not been released.
func (mm *MountManager) Handles() []*MountHandle {
	return append([]*MountHandle(nil), mm.handles...)
}

func (mm *MountManager) forget(h *MountHandle) {
	for i, cur := range mm.handles {
		if cur == h {
			mm.handles = append(mm.handles[:i], mm.handles[i+1:]...)
			return
		}
	}
}

func (mm *MountManager) makeMountDir() (string, error) {
	if _, err := os.Stat(mm.mountRoot); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(mm.mountRoot, 0o755); err != nil {
			return "", fmt.Errorf("failed to create mount root %s: %w", mm.mountRoot, err)
		}
		mm.createdRoot = true
	}
	dir, err := os.MkdirTemp(mm.mountRoot, "efi-")
	if err != nil {
		return "", fmt.Errorf("failed to create mountpoint: %w", err)
	}
	return dir, nil
}

// removeRoot removes the mount root once nothing is left in it, if this
// manager created it.
func (mm *MountManager) removeRoot() {
	if !mm.createdRoot || len(mm.handles) != 0 {
		return
	}
	entries, err := os.ReadDir(mm.mountRoot)
	if err != nil || len(entries) != 0 {
		return
	}
	if err := os.Remove(mm.mountRoot); err != nil {
		mm.logger.Printf("warning: failed to remove directory %s: %v", mm.mountRoot, err)
		return
	}
	mm.createdRoot = false
}

func (mm *MountManager) removeDir(dir string) {
	if err := os.Remove(dir); err != nil {
		mm.logger.Printf("warning: failed to remove directory %s: %v", dir, err)
	}
}

// classify attaches a cause class to a failed mount utility call based on
// its diagnostic output. Joined errors from fallback attempts are classified
// by all of their diagnostics.
func classify(err error) error {
	stderr := strings.ToLower(strings.Join(diagnostics(err), "\n"))
	if stderr == "" {
		return err
	}
	switch {
	case strings.Contains(stderr, "busy"):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	case strings.Contains(stderr, "permission denied"),
		strings.Contains(stderr, "not permitted"),
		strings.Contains(stderr, "must be superuser"),
		strings.Contains(stderr, "not privileged"):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case strings.Contains(stderr, "unknown filesystem"),
		strings.Contains(stderr, "wrong fs type"),
		strings.Contains(stderr, "unrecognized filesystem"):
		return fmt.Errorf("%w: %w", ErrUnrecognized, err)
	}
	return err
}

// diagnostics collects the stderr of every command failure in err.
func diagnostics(err error) []string {
	switch u := err.(type) {
	case *command.ExitError:
		return []string{u.Stderr}
	case interface{ Unwrap() []error }:
		var out []string
		for _, e := range u.Unwrap() {
			out = append(out, diagnostics(e)...)
		}
		return out
	case interface{ Unwrap() error }:
		return diagnostics(u.Unwrap())
	}
	return nil
}
