// Package configlocator finds the bootloader configuration file on a
// mounted EFI partition.
package configlocator

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSearchPaths are tried in order, relative to the mountpoint.
var DefaultSearchPaths = []string{
	"EFI/OC/config.plist",
	"OC/config.plist",
}

type Locator struct {
	paths  []string
	logger *log.Logger
}

func New(paths []string, logger *log.Logger) *Locator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if len(paths) == 0 {
		paths = DefaultSearchPaths
	}
	return &Locator{paths: paths, logger: logger}
}

// Locate returns the first search path under mountpoint that names a
// readable regular file. Path segments are matched case-insensitively when
// the exact spelling does not exist, since FAT volumes do not preserve
// case reliably.
func (l *Locator) Locate(mountpoint string) (string, bool) {
	for _, rel := range l.paths {
		path, ok := resolve(mountpoint, rel)
		if !ok {
			continue
		}
		if !readable(path) {
			l.logger.Printf("warning: %s exists but is not readable", path)
			continue
		}
		l.logger.Printf("found config at %s", path)
		return path, true
	}
	l.logger.Printf("no config found under %s", mountpoint)
	return "", false
}

func resolve(root, rel string) (string, bool) {
	cur := root
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == "" {
			continue
		}
		next := filepath.Join(cur, seg)
		if _, err := os.Lstat(next); err == nil {
			cur = next
			continue
		}
		entries, err := os.ReadDir(cur)
		if err != nil {
			return "", false
		}
		found := false
		for _, e := range entries {
			if strings.EqualFold(e.Name(), seg) {
				cur = filepath.Join(cur, e.Name())
				found = true
				break
			}
		}
		if !found {
			return "", false
		}
	}
	return cur, true
}

func readable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
