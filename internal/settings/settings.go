// Package settings loads the optional hvpatch settings file.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/larsks/hvpatch/internal/configlocator"
	"github.com/larsks/hvpatch/internal/mountmanager"
	"github.com/larsks/hvpatch/internal/partition"
	"github.com/larsks/hvpatch/internal/patch"
	"github.com/larsks/hvpatch/internal/plist"
)

type Settings struct {
	SearchPaths []string      `yaml:"search_paths"`
	Labels      []string      `yaml:"labels"`
	MountRoot   string        `yaml:"mount_root"`
	KeepBackups int           `yaml:"keep_backups"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	Patch       Patch         `yaml:"patch"`
}

// Patch describes the setting to enforce. Path is dot separated.
type Patch struct {
	Path  string `yaml:"path"`
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

func Default() Settings {
	return Settings{
		SearchPaths: append([]string(nil), configlocator.DefaultSearchPaths...),
		Labels:      append([]string(nil), partition.DefaultLabels...),
		MountRoot:   mountmanager.DefaultMountRoot,
		LockTimeout: 10 * time.Second,
		Patch: Patch{
			Path:  "kern.hv_vmm_present",
			Type:  "integer",
			Value: "0",
		},
	}
}

// Load reads path over the defaults. Keys that are absent keep their
// default values; unknown keys are an error.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.KeepBackups < 0 {
		return fmt.Errorf("keep_backups must not be negative")
	}
	if s.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	if len(s.SearchPaths) == 0 {
		return fmt.Errorf("search_paths must not be empty")
	}
	_, err := s.Patch.Spec()
	return err
}

// Spec builds the patch described by p.
func (p Patch) Spec() (patch.Spec, error) {
	path := strings.Split(p.Path, ".")
	value, err := p.value()
	if err != nil {
		return patch.Spec{}, err
	}
	return patch.NewSpec(path[len(path)-1], path, value)
}

func (p Patch) value() (*plist.Node, error) {
	switch strings.ToLower(p.Type) {
	case "integer", "int", "":
		i, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("patch value %q is not an integer", p.Value)
		}
		return plist.Integer(i), nil
	case "bool", "boolean":
		b, err := strconv.ParseBool(p.Value)
		if err != nil {
			return nil, fmt.Errorf("patch value %q is not a boolean", p.Value)
		}
		return plist.Bool(b), nil
	case "string":
		return plist.String(p.Value), nil
	}
	return nil, fmt.Errorf("unknown patch type %q (valid options: integer, bool, string)", p.Type)
}
