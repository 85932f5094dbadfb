// Package version reports the build version embedded from the VERSION file.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
	"sync"
)

//go:embed VERSION
var raw string

func String() string {
	return strings.TrimSpace(raw)
}

// UserAgent identifies the core to miner web APIs.
func UserAgent() string {
	return "minerlink/" + String()
}

var revision = sync.OnceValue(func() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	rev, dirty := "", false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
})

// Revision is the VCS commit the binary was built from, or "" when the build
// carries no VCS stamp (tests, go run).
func Revision() string { return revision() }
