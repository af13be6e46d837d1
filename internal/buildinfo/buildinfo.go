// Package buildinfo exposes compile-time metadata shared across the broker.
package buildinfo

import "fmt"

// The following variables are overridden via ldflags during release builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("credbroker %s (commit %s, built %s)", Version, Commit, BuildDate)
}
