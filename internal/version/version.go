// Package version holds build metadata injected with -ldflags "-X".
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata reported by the CLI and /healthz.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetInfo returns the current build metadata.
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String renders "v1.2.0 (abc1234, built 2026-01-01)".
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitCommit, BuildDate)
}
