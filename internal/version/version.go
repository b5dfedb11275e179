// Package version exposes build metadata stamped into the daemon binary.
package version

// Overridden at build time via
// -ldflags "-X github.com/GoCodeAlone/taskmarket/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
