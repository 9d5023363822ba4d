// Package buildinfo reports the meshview version. Release builds stamp
// the variables below with -ldflags; other builds fall back to the VCS
// metadata the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped by -ldflags "-X github.com/nugget/meshview/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// vcs fills GitCommit and BuildTime from the embedded build info when
// ldflags left them unset.
var vcs = sync.OnceFunc(func() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 12 {
				GitCommit = s.Value[:12]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && GitCommit != "unknown" {
		GitCommit += "-dirty"
	}
})

// Info returns build and runtime details keyed for JSON output.
func Info() map[string]string {
	vcs()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent identifies meshview in outbound HTTP requests.
func UserAgent() string {
	return "meshview/" + Version
}

// String is the one-line banner printed by "meshview version".
func String() string {
	vcs()
	return fmt.Sprintf("meshview %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
