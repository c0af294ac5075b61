//go:build !windows

package privilege

import "os"

// IsElevated reports whether the agent is running with UID 0.
func IsElevated() bool {
	return os.Getuid() == 0
}
