package version

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/larsks/gobot/tools"
)

var (
	Version string = "dev"
)

// GetVersion describes the running binary: release version, platform and,
// for builds from a git checkout, the revision it was built from.
func GetVersion(progName string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Sprintf("%s version %s", progName, Version)
	}
	return describe(progName, tools.BuildInfoMap(bi))
}

func describe(progName string, bim map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", progName, Version)
	if bim["GOOS"] != "" {
		fmt.Fprintf(&b, " %s/%s", bim["GOOS"], bim["GOARCH"])
	}
	if bim["vcs"] == "git" {
		rev := bim["vcs.revision"]
		if len(rev) > 10 {
			rev = rev[:10]
		}
		fmt.Fprintf(&b, " rev %s", rev)
		if bim["vcs.modified"] == "true" {
			b.WriteString("-dirty")
		}
		if t := bim["vcs.time"]; t != "" {
			fmt.Fprintf(&b, " on %s", t)
		}
	}
	return b.String()
}
