package partition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// ESPType is the GPT partition type GUID of an EFI system partition.
const ESPType = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

var ErrDiscovery = errors.New("partition discovery failed")

// DefaultLabels are the volume labels that mark a FAT volume as a likely
// EFI partition when its partition type is not the ESP GUID.
var DefaultLabels = []string{"EFI", "ESP", "OC"}

type FSKind int

const (
	KindOther FSKind = iota
	KindEFIFAT
)

func (k FSKind) String() string {
	if k == KindEFIFAT {
		return "EFI-FAT"
	}
	return "other"
}

type MountState int

const (
	Unmounted MountState = iota
	MountedByUs
	MountedExternally
)

func (s MountState) String() string {
	switch s {
	case MountedByUs:
		return "mounted-by-us"
	case MountedExternally:
		return "mounted-externally"
	default:
		return "unmounted"
	}
}

// Volume is one record from an enumeration facility, before filtering.
type Volume struct {
	Device     string
	FSType     string
	PartType   string
	Label      string
	Mountpoint string
}

type Partition struct {
	Device     string
	Kind       FSKind
	Label      string
	Mountpoint string
	State      MountState
}

func (p Partition) String() string {
	if p.Label != "" {
		return fmt.Sprintf("%s (%s, %s)", p.Device, p.Label, p.Kind)
	}
	return fmt.Sprintf("%s (%s)", p.Device, p.Kind)
}

// Enumerator lists every storage volume currently visible, mounted or not.
type Enumerator interface {
	Volumes(ctx context.Context) ([]Volume, error)
}

type Locator struct {
	enum   Enumerator
	labels []string
	logger *log.Logger
}

func NewLocator(enum Enumerator, labels []string, logger *log.Logger) *Locator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	return &Locator{enum: enum, labels: labels, logger: logger}
}

// Candidates scans the system and returns the volumes that look like EFI
// system partitions. Every call re-scans. On enumeration failure it
// returns an empty slice along with an ErrDiscovery error.
func (l *Locator) Candidates(ctx context.Context) ([]Partition, error) {
	vols, err := l.enum.Volumes(ctx)
	if err != nil {
		return []Partition{}, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	candidates := []Partition{}
	for _, v := range vols {
		if !l.isCandidate(v) {
			continue
		}
		p := Partition{
			Device:     v.Device,
			Kind:       kindOf(v.FSType),
			Label:      v.Label,
			Mountpoint: v.Mountpoint,
		}
		if p.Mountpoint != "" {
			p.State = MountedExternally
		}
		l.logger.Printf("candidate %s", p)
		candidates = append(candidates, p)
	}
	return candidates, nil
}

func (l *Locator) isCandidate(v Volume) bool {
	if strings.EqualFold(v.PartType, ESPType) {
		return true
	}
	if kindOf(v.FSType) != KindEFIFAT {
		return false
	}
	for _, label := range l.labels {
		if strings.EqualFold(v.Label, label) {
			return true
		}
	}
	return false
}

func kindOf(fstype string) FSKind {
	switch strings.ToLower(fstype) {
	case "vfat", "msdos", "fat", "fat12", "fat16", "fat32":
		return KindEFIFAT
	}
	return KindOther
}
