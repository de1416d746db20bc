// Package buildinfo holds build-time metadata injected with -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// UnknownValue is reported for metadata that was not injected.
const UnknownValue = "unknown"

// Set by the linker, e.g.
// -ldflags "-X github.com/tphakala/lightfield/internal/buildinfo.version=v0.3.0"
var (
	version   string
	buildDate string
	commit    string
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// Get returns the build metadata. The commit falls back to the VCS revision
// embedded by the go tool.
func Get() Info {
	info := Info{
		Version:   orUnknown(version),
		BuildDate: orUnknown(buildDate),
		Commit:    commit,
		GoVersion: runtime.Version(),
	}
	if info.Commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.Commit = s.Value
				}
			}
		}
	}
	info.Commit = orUnknown(info.Commit)
	return info
}

func (i Info) String() string {
	short := i.Commit
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("lightfield %s (%s, built %s, %s)", i.Version, short, i.BuildDate, i.GoVersion)
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}
