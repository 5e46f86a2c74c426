package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/larsks/hvpatch/internal/fileutil"
)

const journalSuffix = ".hvpatch-journal"

// Journal is the write-ahead record of a patch in flight. Its presence on
// disk means the config file may hold unverified content and the backup
// it names must be restored before anything else touches the file.
type Journal struct {
	ID      string    `json:"id"`
	Config  string    `json:"config"`
	Backup  string    `json:"backup"`
	Sum     string    `json:"sum"`
	Started time.Time `json:"started"`
}

func JournalPath(config string) string {
	return config + journalSuffix
}

// Begin records that b is about to be superseded by a write to its source.
func (m *Manager) Begin(b *Backup) (*Journal, error) {
	j := &Journal{
		ID:      uuid.NewString(),
		Config:  b.Source,
		Backup:  b.Path,
		Sum:     b.Sum,
		Started: m.now().UTC(),
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := fileutil.WriteAtomic(JournalPath(b.Source), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write journal: %w", err)
	}
	m.logger.Printf("journal %s opened for %s", j.ID, b.Source)
	return j, nil
}

// End removes the journal for config.
func (m *Manager) End(config string) error {
	err := os.Remove(JournalPath(config))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	fileutil.SyncDir(filepath.Dir(config))
	return nil
}

// Pending returns the journal left behind by an interrupted run, or nil.
func (m *Manager) Pending(config string) (*Journal, error) {
	data, err := os.ReadFile(JournalPath(config))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: journal %s is unreadable: %w", ErrRestore, JournalPath(config), err)
	}
	if j.Config != config || j.Backup == "" {
		return nil, fmt.Errorf("%w: journal %s does not describe %s", ErrRestore, JournalPath(config), config)
	}
	return &j, nil
}

// Recover restores the backup named by a pending journal and closes the
// journal. It reports whether a recovery took place.
func (m *Manager) Recover(config string) (bool, error) {
	j, err := m.Pending(config)
	if err != nil || j == nil {
		return false, err
	}
	m.logger.Printf("warning: found interrupted patch %s on %s, restoring %s", j.ID, config, j.Backup)
	b := &Backup{Source: j.Config, Path: j.Backup, Sum: j.Sum, Created: j.Started}
	if err := m.Restore(b); err != nil {
		return false, err
	}
	if err := m.End(config); err != nil {
		return true, err
	}
	return true, nil
}
