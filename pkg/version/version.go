// Package version holds build-time identity shared across the CLI and
// the env-var naming convention.
package version

var (
	// Program is the short name used as the CLI application name.
	Program = "scale-to-zero"

	// ProgramUpper is the short uppercase form of the program name, used
	// as the env-var prefix for CLI flags (S2Z_*).
	ProgramUpper = "S2Z"

	// Version is stamped at build time via -ldflags; "dev" otherwise.
	Version = "dev"

	// GitCommit is stamped at build time via -ldflags; "HEAD" otherwise.
	GitCommit = "HEAD"
)
