// Package version provides build-time version information
// injected via ldflags during compilation.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags, e.g.
//
//	-X github.com/kallberg/pdt/internal/version.Version=0.3.1
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	Target    = runtime.GOOS + "/" + runtime.GOARCH
	Host      = "unknown"
	Profile   = "release"
)

// Describe formats the build information for a version command.
func Describe(program string) string {
	return fmt.Sprintf("%s %s\nbuilt:   %s\ntarget:  %s\nhost:    %s\nprofile: %s\n",
		program, Version, BuildTime, Target, Host, Profile)
}
