// Package version holds the platform's build version, overridden at link
// time via -ldflags "-X ...version.Version=...".
package version

var Version = "0.1.0-dev"
