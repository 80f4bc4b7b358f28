// Package version provides build-time version information for poolctl and the objpool libraries.
//
// Version is set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/objpool/version.Version=1.0.0"
//
// For development builds, the default "dev" version is used.
package version

import (
	"fmt"
	"runtime"
)

// Version is the software version, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/go-i2p/objpool/version.Version=1.0.0"
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/go-i2p/objpool/version.GitCommit=$(git rev-parse --short HEAD)"
var GitCommit = ""

// BuildTime is when the binary was built, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/go-i2p/objpool/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = ""

// Full returns the full version string including commit and build time if available.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// String returns the banner printed by -version, e.g. "poolctl 1.0.0-abc1234 (go1.25.4)".
func String(program string) string {
	return fmt.Sprintf("%s %s (%s)", program, Full(), runtime.Version())
}
