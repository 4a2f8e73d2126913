// Package versionutil holds small helpers around release version strings.
package versionutil

import "strings"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Short trims a release string down to the part before build metadata,
// for display on the tray status page.
func Short(s string) string {
	if i := strings.IndexAny(s, "+"); i >= 0 {
		return s[:i]
	}
	return s
}
