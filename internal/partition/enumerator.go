package partition

import (
	"log"
	"runtime"

	"github.com/larsks/hvpatch/internal/command"
)

// NewEnumerator returns the enumeration facility for the running OS.
func NewEnumerator(runner command.Runner, logger *log.Logger) Enumerator {
	if runtime.GOOS == "darwin" {
		return NewDiskutilEnumerator(runner, logger)
	}
	return NewLsblkEnumerator(runner)
}
