// Package version holds build-time version information for the aurora binary.
// The variables are populated at build time via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/aurora-rag/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/aurora-rag/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/aurora-rag/internal/version.BuildDate=2025-01-01"
//
// Without ldflags the values fall back to readable defaults, and the commit
// is taken from the embedded VCS build info when available.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the semantic version of the binary. Defaults to "dev".
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC date the binary was built (RFC3339 format).
var BuildDate = "unknown"

// Info is the version report served by the CLI and the HTTP surface.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the version info, filling Commit from the VCS stamp when it
// was not set via ldflags.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if info.Commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					info.Commit = s.Value[:7]
				}
			}
		}
	}
	return info
}

// String formats the info for terminal output.
func (i Info) String() string {
	return fmt.Sprintf("aurora %s (commit %s, built %s, %s)", i.Version, i.Commit, i.BuildDate, i.GoVersion)
}
