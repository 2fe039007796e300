// Package version holds build version information, overridable at
// link time with -ldflags "-X ...".
package version

var (
	// Version is the semantic version of the build.
	Version = "0.3.0"

	// Commit is the git commit the binary was built from.
	Commit = "dev"

	// Date is the build timestamp.
	Date = "unknown"
)
