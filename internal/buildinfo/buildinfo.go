// Package buildinfo holds version metadata stamped at link time and a
// few runtime facts reported by the health endpoint and the version
// command.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags "-X github.com/nugget/aide/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since the process started, truncated to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header value for outbound HTTP calls.
func UserAgent() string {
	return "aide/" + Version
}

// String returns a one-line summary for the startup log.
func String() string {
	return fmt.Sprintf("aide %s (%s) built %s", Version, GitCommit, BuildTime)
}
