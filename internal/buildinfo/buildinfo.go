// Package buildinfo identifies the firmware image the node is running.
// The identity strings are stamped in by the linker (-ldflags -X).
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// booted is when the running image started. Every restart is a new
// process, so a watchdog reset, a wake from deep sleep and the switch to
// a freshly installed image all reset it. The status record's uptime
// field counts whole seconds from here.
var booted = time.Now()

// Firmware describes the running image.
type Firmware struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Current returns the identity of the running image.
func Current() Firmware {
	return Firmware{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Fields lists f as label/value pairs in display order.
func (f Firmware) Fields() [][2]string {
	return [][2]string{
		{"version", f.Version},
		{"git_commit", f.GitCommit},
		{"git_branch", f.GitBranch},
		{"build_time", f.BuildTime},
		{"go_version", f.GoVersion},
		{"os", f.OS},
		{"arch", f.Arch},
		{"uptime", f.Uptime},
	}
}

// Uptime is the time since the running image booted, in whole seconds.
func Uptime() time.Duration {
	return time.Since(booted).Truncate(time.Second)
}

// UserAgent is sent on firmware downloads so the update server can tell
// which image is asking.
func UserAgent() string {
	return fmt.Sprintf("envnode/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("envnode %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
