package mountmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/larsks/hvpatch/internal/command"
	"github.com/larsks/hvpatch/internal/partition"
)

// NewBackend returns the mount facility for the running OS.
func NewBackend(runner command.Runner) Backend {
	if runtime.GOOS == "darwin" {
		return &DiskutilBackend{runner: runner}
	}
	return &LinuxBackend{runner: runner}
}

// LinuxBackend mounts with mount(8) into directories created by the
// manager.
type LinuxBackend struct {
	runner command.Runner
}

func NewLinuxBackend(runner command.Runner) *LinuxBackend {
	return &LinuxBackend{runner: runner}
}

func (b *LinuxBackend) MountedAt(ctx context.Context, device string) (string, error) {
	res, err := b.runner.Run(ctx, "findmnt", "-J", "-S", device)
	if err != nil {
		// findmnt exits 1 when nothing matches.
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == 1 {
			return "", nil
		}
		return "", err
	}

	var findmntData struct {
		Filesystems []struct {
			Target string `json:"target"`
			Source string `json:"source"`
		} `json:"filesystems"`
	}
	if err := json.Unmarshal(res.Stdout, &findmntData); err != nil {
		return "", fmt.Errorf("failed to parse findmnt output for %s: %w", device, err)
	}
	if len(findmntData.Filesystems) == 0 {
		return "", nil
	}
	return findmntData.Filesystems[0].Target, nil
}

func (b *LinuxBackend) Mount(ctx context.Context, device string, mkdir func() (string, error)) (string, error) {
	dir, err := mkdir()
	if err != nil {
		return "", err
	}
	if _, err := b.runner.Run(ctx, "mount", "-t", "vfat", device, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// Unmount falls back to a lazy unmount when the filesystem is busy.
func (b *LinuxBackend) Unmount(ctx context.Context, _, mountpoint string) error {
	_, err := b.runner.Run(ctx, "umount", mountpoint)
	if err == nil || !errors.Is(classify(err), ErrBusy) {
		return err
	}
	if _, lazyErr := b.runner.Run(ctx, "umount", "-l", mountpoint); lazyErr != nil {
		return errors.Join(err, lazyErr)
	}
	return nil
}

// DiskutilBackend mounts with diskutil, which picks the mountpoint itself.
// When diskutil refuses, it mounts with mount_msdos into a directory
// created by the manager.
type DiskutilBackend struct {
	runner command.Runner
}

func NewDiskutilBackend(runner command.Runner) *DiskutilBackend {
	return &DiskutilBackend{runner: runner}
}

func (b *DiskutilBackend) MountedAt(ctx context.Context, device string) (string, error) {
	info, err := partition.Info(ctx, b.runner, device)
	if err != nil {
		return "", err
	}
	return info.MountPoint, nil
}

func (b *DiskutilBackend) Mount(ctx context.Context, device string, mkdir func() (string, error)) (string, error) {
	_, err := b.runner.Run(ctx, "diskutil", "mount", device)
	if err == nil {
		return b.lookup(ctx, device)
	}
	if ctx.Err() != nil {
		return "", err
	}

	dir, dirErr := mkdir()
	if dirErr != nil {
		return "", errors.Join(err, dirErr)
	}
	if _, msdosErr := b.runner.Run(ctx, "mount_msdos", device, dir); msdosErr != nil {
		return "", errors.Join(err, msdosErr)
	}
	return dir, nil
}

// lookup finds where diskutil mounted device. The mount exists at this
// point, so cancellation is ignored and a failed lookup undoes the mount.
func (b *DiskutilBackend) lookup(ctx context.Context, device string) (string, error) {
	ctx = context.WithoutCancel(ctx)
	mountpoint, err := b.MountedAt(ctx, device)
	if err == nil && mountpoint == "" {
		err = fmt.Errorf("%s reported mounted but has no mountpoint", device)
	}
	if err == nil {
		return mountpoint, nil
	}
	if _, undoErr := b.runner.Run(ctx, "diskutil", "unmount", device); undoErr != nil {
		return "", errors.Join(err, fmt.Errorf("failed to undo mount of %s: %w", device, undoErr))
	}
	return "", err
}

// Unmount tries the mountpoint, then the device node, then a forced
// unmount.
func (b *DiskutilBackend) Unmount(ctx context.Context, device, mountpoint string) error {
	attempts := [][]string{
		{"diskutil", "unmount", mountpoint},
		{"diskutil", "unmount", device},
		{"diskutil", "unmount", "force", mountpoint},
	}
	var errs []error
	for _, args := range attempts {
		_, err := b.runner.Run(ctx, args[0], args[1:]...)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}
