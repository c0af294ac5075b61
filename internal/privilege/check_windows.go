//go:build windows

// Package privilege answers whether the agent holds the rights the
// emergency path needs. Logging off other users' sessions and toggling
// adapters both require an elevated token.
package privilege

import "golang.org/x/sys/windows"

// IsElevated reports whether the process token is elevated.
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
