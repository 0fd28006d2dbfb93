// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String formats the build metadata for the version command.
func String() string {
	return fmt.Sprintf("version: %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildDate)
}

// UserAgent identifies outbound HTTP requests.
func UserAgent() string {
	return "fairwatch/" + Version
}
