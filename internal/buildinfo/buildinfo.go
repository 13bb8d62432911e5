// Package buildinfo holds build-time metadata kept apart from user
// configuration.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// UnknownValue is reported for metadata that was not injected at build time.
const UnknownValue = "unknown"

// Set with -ldflags "-X github.com/tphakala/faceid/internal/buildinfo.version=..."
var (
	version   string
	buildDate string
)

// Info is the build metadata of the running binary.
type Info struct {
	Version   string
	BuildDate string
	Revision  string
	GoVersion string
}

// Current returns the metadata of the running binary. The module version
// and VCS revision recorded by the Go toolchain fill in for missing
// ldflags values.
func Current() Info {
	info := Info{
		Version:   version,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fill(&info, bi)
	}
	if info.Version == "" {
		info.Version = UnknownValue
	}
	if info.BuildDate == "" {
		info.BuildDate = UnknownValue
	}
	return info
}

func fill(info *Info, bi *debug.BuildInfo) {
	if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		}
	}
}

// Release is the identifier reported to error tracking.
func (i Info) Release() string {
	if i.Version == UnknownValue && i.Revision != "" {
		return "faceid@" + shortRevision(i.Revision)
	}
	return "faceid@" + i.Version
}

// String renders the metadata on one line.
func (i Info) String() string {
	s := fmt.Sprintf("faceid %s (built %s, %s)", i.Version, i.BuildDate, i.GoVersion)
	if i.Revision != "" {
		s += " rev " + shortRevision(i.Revision)
	}
	return s
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
