// Package buildinfo holds version metadata stamped at link time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/nugget/sillage/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info returns build and runtime details keyed for the /info endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"uptime":     Uptime().String(),
	}
}

// Uptime reports how long the process has been running.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("sillage/%s (+%s; %s)", Version, GitCommit, runtime.GOOS)
}

// String is a one-line banner for startup logs.
func String() string {
	return fmt.Sprintf("Sillage %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
