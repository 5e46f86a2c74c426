package partition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/larsks/hvpatch/internal/command"
)

type lsblkDevice struct {
	Path       string        `json:"path"`
	FSType     string        `json:"fstype"`
	PartType   string        `json:"parttype"`
	Label      string        `json:"label"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// LsblkEnumerator lists volumes on Linux with lsblk.
type LsblkEnumerator struct {
	runner command.Runner
}

func NewLsblkEnumerator(runner command.Runner) *LsblkEnumerator {
	return &LsblkEnumerator{runner: runner}
}

func (e *LsblkEnumerator) Volumes(ctx context.Context) ([]Volume, error) {
	res, err := e.runner.Run(ctx, "lsblk", "-J", "-p", "-o", "PATH,FSTYPE,PARTTYPE,LABEL,MOUNTPOINT")
	if err != nil {
		return nil, err
	}
	return parseLsblk(res.Stdout)
}

func parseLsblk(data []byte) ([]Volume, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	var vols []Volume
	var walk func(devs []lsblkDevice)
	walk = func(devs []lsblkDevice) {
		for _, d := range devs {
			vols = append(vols, Volume{
				Device:     d.Path,
				FSType:     d.FSType,
				PartType:   d.PartType,
				Label:      d.Label,
				Mountpoint: d.Mountpoint,
			})
			walk(d.Children)
		}
	}
	walk(out.BlockDevices)
	return vols, nil
}
