package patch

import (
	"fmt"
	"os"

	"github.com/larsks/hvpatch/internal/plist"
)

// Document is a parsed config file together with the bytes it was parsed
// from. Raw is kept until the patch commits so a rollback can be checked
// against it.
type Document struct {
	Root *plist.Node
	Path string
	Raw  []byte
}

func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	root, err := plist.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	return &Document{Root: root, Path: path, Raw: raw}, nil
}
