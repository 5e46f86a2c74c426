package partition

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"howett.net/plist"

	"github.com/larsks/hvpatch/internal/command"
)

// diskList mirrors the parts of "diskutil list -plist" we need.
type diskList struct {
	AllDisksAndPartitions []diskPart `plist:"AllDisksAndPartitions"`
}

type diskPart struct {
	DeviceIdentifier string          `plist:"DeviceIdentifier"`
	Content          string          `plist:"Content"`
	Partitions       []diskPartition `plist:"Partitions"`
}

type diskPartition struct {
	Content          string `plist:"Content"`
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	VolumeName       string `plist:"VolumeName"`
}

// DiskInfo mirrors the parts of "diskutil info -plist <id>" we need.
type DiskInfo struct {
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	DeviceNode       string `plist:"DeviceNode"`
	Content          string `plist:"Content"`
	FilesystemType   string `plist:"FilesystemType"`
	VolumeName       string `plist:"VolumeName"`
	MountPoint       string `plist:"MountPoint"`
}

// DiskutilEnumerator lists volumes on macOS with diskutil.
type DiskutilEnumerator struct {
	runner command.Runner
	logger *log.Logger
}

func NewDiskutilEnumerator(runner command.Runner, logger *log.Logger) *DiskutilEnumerator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &DiskutilEnumerator{runner: runner, logger: logger}
}

func (e *DiskutilEnumerator) Volumes(ctx context.Context) ([]Volume, error) {
	res, err := e.runner.Run(ctx, "diskutil", "list", "-plist")
	if err != nil {
		return nil, err
	}
	var list diskList
	if _, err := plist.Unmarshal(res.Stdout, &list); err != nil {
		return nil, fmt.Errorf("failed to parse diskutil list output: %w", err)
	}

	var vols []Volume
	for _, disk := range list.AllDisksAndPartitions {
		for _, part := range disk.Partitions {
			info, err := Info(ctx, e.runner, part.DeviceIdentifier)
			if err != nil {
				e.logger.Printf("warning: skipping %s: %v", part.DeviceIdentifier, err)
				continue
			}
			vols = append(vols, Volume{
				Device:     info.DeviceNode,
				FSType:     info.FilesystemType,
				PartType:   partType(part.Content),
				Label:      info.VolumeName,
				Mountpoint: info.MountPoint,
			})
		}
	}
	return vols, nil
}

// Info runs "diskutil info -plist" for one device.
func Info(ctx context.Context, runner command.Runner, device string) (*DiskInfo, error) {
	res, err := runner.Run(ctx, "diskutil", "info", "-plist", device)
	if err != nil {
		return nil, err
	}
	var info DiskInfo
	if _, err := plist.Unmarshal(res.Stdout, &info); err != nil {
		return nil, fmt.Errorf("failed to parse diskutil info output for %s: %w", device, err)
	}
	if info.DeviceNode == "" {
		info.DeviceNode = "/dev/" + strings.TrimPrefix(device, "/dev/")
	}
	return &info, nil
}

// diskutil reports the ESP either by name or by its type GUID.
func partType(content string) string {
	if content == "EFI" {
		return ESPType
	}
	return strings.ToLower(content)
}
