//go:build !windows

package rdclient

import "github.com/shirou/gopsutil/v3/process"

// requestCloseOS asks the process to exit via its platform's graceful
// termination signal; there is no window message to post off Windows.
func requestCloseOS(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	return proc.Terminate() == nil
}

func windowTitleOS(pid int32) string { return "" }

func listByWindowsOS(names map[string]bool) []ClientProcess { return nil }
