//go:build windows

package rdclient

import (
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modUser32                    = windows.NewLazySystemDLL("user32.dll")
	procEnumWindows              = modUser32.NewProc("EnumWindows")
	procGetWindowThreadProcessID = modUser32.NewProc("GetWindowThreadProcessId")
	procGetWindowTextW           = modUser32.NewProc("GetWindowTextW")
	procGetClassNameW            = modUser32.NewProc("GetClassNameW")
	procIsWindowVisible          = modUser32.NewProc("IsWindowVisible")
	procPostMessageW             = modUser32.NewProc("PostMessageW")
)

const wmClose = 0x0010

// rdpWindowClasses are the top-level window classes of the stock Windows
// remote desktop clients, used by the window-based fallback lookup.
var rdpWindowClasses = map[string]bool{
	"tscshellcontainerclass": true, // mstsc.exe
	"rail_windowclass":       true, // RemoteApp windows
}

// requestCloseOS posts WM_CLOSE to every visible top-level window owned by
// pid. Returns true if at least one window accepted the message.
func requestCloseOS(pid int32) bool {
	posted := false

	enumWindows(func(hwnd uintptr) {
		if windowPID(hwnd) != uint32(pid) || !isVisible(hwnd) {
			return
		}
		r1, _, _ := procPostMessageW.Call(hwnd, wmClose, 0, 0)
		if r1 != 0 {
			posted = true
		}
	})

	return posted
}

// windowTitleOS returns the title of the first visible window owned by pid.
func windowTitleOS(pid int32) string {
	title := ""

	enumWindows(func(hwnd uintptr) {
		if title != "" || windowPID(hwnd) != uint32(pid) || !isVisible(hwnd) {
			return
		}
		title = windowText(hwnd)
	})

	return title
}

// listByWindowsOS is the fallback enumeration strategy: find remote
// desktop clients by their window class when the process table scan fails.
func listByWindowsOS(names map[string]bool) []ClientProcess {
	seen := make(map[int32]bool)
	var clients []ClientProcess

	enumWindows(func(hwnd uintptr) {
		if !isVisible(hwnd) {
			return
		}
		if !rdpWindowClasses[strings.ToLower(className(hwnd))] {
			return
		}

		pid := int32(windowPID(hwnd))
		if pid == 0 || seen[pid] {
			return
		}
		seen[pid] = true

		clients = append(clients, ClientProcess{
			PID:         pid,
			Name:        "mstsc.exe",
			WindowTitle: windowText(hwnd),
		})
	})

	return clients
}

func enumWindows(visit func(hwnd uintptr)) {
	cb := syscall.NewCallback(func(hwnd, lparam uintptr) uintptr {
		visit(hwnd)
		return 1 // continue enumeration
	})
	procEnumWindows.Call(cb, 0)
}

func windowPID(hwnd uintptr) uint32 {
	var pid uint32
	procGetWindowThreadProcessID.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	return pid
}

func isVisible(hwnd uintptr) bool {
	r1, _, _ := procIsWindowVisible.Call(hwnd)
	return r1 != 0
}

func windowText(hwnd uintptr) string {
	var buf [256]uint16
	n, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}

func className(hwnd uintptr) string {
	var buf [256]uint16
	n, _, _ := procGetClassNameW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}
