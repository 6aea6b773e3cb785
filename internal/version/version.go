// Package version exposes the build metadata stamped into the realtime
// server binaries via ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the git tag or semantic version
	Version = "dev"
	// Commit is the git commit SHA
	Commit = "unknown"
	// BuildTime is the ISO 8601 build timestamp
	BuildTime = "unknown"
)

// Info is the shape served at /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build information
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// String is the one-line form used in startup logs.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
