// Package buildinfo reports which hisense-bridge build is running. The
// version, commit, branch and build time are stamped in with -ldflags,
// for example:
//
//	go build -ldflags "-X github.com/nugget/hisense-bridge/internal/buildinfo.Version=v0.3.0"
//
// The same data backs the version command, GET /v1/version and the
// sw_version of every device announced to Home Assistant.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Name is the program name used in banners and device metadata.
const Name = "hisense-bridge"

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata keyed the way the status API
// and `version -o json` report it.
func Info() map[string]string {
	return map[string]string{
		"name":       Name,
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

// Uptime is how long the bridge has been running, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// SoftwareVersion is the sw_version shown on Home Assistant devices:
// the program name and version, plus a short commit when one was
// stamped in.
func SoftwareVersion() string {
	v := Name + " " + Version
	if GitCommit != "" && GitCommit != "unknown" {
		c := GitCommit
		if len(c) > 7 {
			c = c[:7]
		}
		v += " (" + c + ")"
	}
	return v
}

// String returns the startup banner.
func String() string {
	return fmt.Sprintf("%s %s (%s@%s) built %s", Name, Version, GitCommit, GitBranch, BuildTime)
}
