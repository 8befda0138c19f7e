// Package version holds the application version string.
package version

// Version is the current release version. Overridden at build time via
// -ldflags "-X claude-relay/internal/version.Version=x.y.z".
var Version = "1.0.0"
