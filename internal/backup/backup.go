// Package backup keeps timestamped copies of a configuration file beside
// it and restores them. Backups are never removed automatically; Prune is
// the explicit operator cleanup step.
package backup

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/larsks/hvpatch/internal/fileutil"
)

var (
	ErrBackup  = errors.New("backup failed")
	ErrRestore = errors.New("restore failed")
)

const (
	suffix     = ".backup-"
	timeLayout = "20060102-150405"
	maxSerial  = 100
)

// Backup describes one copy of a source file.
type Backup struct {
	Source  string
	Path    string
	Created time.Time
	Sum     string
	Size    int64
}

type Manager struct {
	logger *log.Logger
	now    func() time.Time
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{logger: logger, now: time.Now}
}

// Fingerprint returns the hex blake3 digest of data.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Create copies source to a new backup file. The copy is synced and read
// back before Create reports success.
func (m *Manager) Create(source string) (*Backup, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrBackup, source, err)
	}

	created := m.now().UTC()
	f, path, err := m.createExclusive(source, created)
	if err != nil {
		return nil, err
	}

	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: failed to write %s: %w", ErrBackup, path, werr)
	}
	fileutil.SyncDir(filepath.Dir(path))

	check, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read back %s: %w", ErrBackup, path, err)
	}
	if !bytes.Equal(check, data) {
		return nil, fmt.Errorf("%w: %s does not match %s after write", ErrBackup, path, source)
	}

	b := &Backup{
		Source:  source,
		Path:    path,
		Created: created,
		Sum:     Fingerprint(data),
		Size:    int64(len(data)),
	}
	m.logger.Printf("backed up %s to %s", source, path)
	return b, nil
}

func (m *Manager) createExclusive(source string, created time.Time) (*os.File, string, error) {
	base := source + suffix + created.Format(timeLayout)
	for serial := 0; serial < maxSerial; serial++ {
		path := base
		if serial > 0 {
			path = fmt.Sprintf("%s-%d", base, serial)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("%w: failed to create %s: %w", ErrBackup, path, err)
		}
	}
	return nil, "", fmt.Errorf("%w: too many backups of %s at %s", ErrBackup, source, created.Format(timeLayout))
}

// Restore replaces the source file with the backup content. The backup is
// checked against its recorded fingerprint first.
func (m *Manager) Restore(b *Backup) error {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return fmt.Errorf("%w: failed to read backup %s: %w", ErrRestore, b.Path, err)
	}
	if b.Sum != "" && Fingerprint(data) != b.Sum {
		return fmt.Errorf("%w: backup %s does not match its recorded fingerprint", ErrRestore, b.Path)
	}
	if err := fileutil.WriteAtomic(b.Source, data, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}
	m.logger.Printf("restored %s from %s", b.Source, b.Path)
	return nil
}

// List returns the backups of source, oldest first.
func (m *Manager) List(source string) ([]Backup, error) {
	matches, err := filepath.Glob(escapeGlob(source) + suffix + "*")
	if err != nil {
		return nil, err
	}

	var backups []Backup
	for _, path := range matches {
		stamp := strings.TrimPrefix(path, source+suffix)
		if len(stamp) < len(timeLayout) || !validSerial(stamp[len(timeLayout):]) {
			continue
		}
		created, err := time.Parse(timeLayout, stamp[:len(timeLayout)])
		if err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		backups = append(backups, Backup{
			Source:  source,
			Path:    path,
			Created: created,
			Size:    info.Size(),
		})
	}

	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].Created.Equal(backups[j].Created) {
			return backups[i].Path < backups[j].Path
		}
		return backups[i].Created.Before(backups[j].Created)
	})
	return backups, nil
}

// Prune removes all but the newest keep backups of source and returns the
// removed paths. keep <= 0 removes nothing.
func (m *Manager) Prune(source string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	backups, err := m.List(source)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	var errs []error
	for _, b := range backups[:len(backups)-keep] {
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Printf("removed old backup %s", b.Path)
		removed = append(removed, b.Path)
	}
	return removed, errors.Join(errs...)
}

// validSerial accepts the collision suffix appended by createExclusive:
// empty or "-N".
func validSerial(s string) bool {
	if s == "" {
		return true
	}
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
