// Package version resolves the compiler's own version for diagnostics and
// cache keys.
package version

import (
	"runtime/debug"
	"strings"
)

// Default is used when the binary was built outside module-aware mode.
const Default = "dev"

// modulePath is this module's path as it appears in build info.
const modulePath = "github.com/ilclang/ilc"

// GetVersionInfo returns the version of the ilc module embedded by the Go
// toolchain, or Default when unavailable.
func GetVersionInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			if strings.HasPrefix(dep.Version, "v") {
				return dep.Version
			}
		}
	}
	return Default
}
