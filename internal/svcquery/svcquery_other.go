//go:build !windows

package svcquery

import "fmt"

// IsRunning reports service state; only implemented on Windows.
func IsRunning(name string) (bool, error) {
	return false, fmt.Errorf("svcquery: not implemented on this platform")
}

// GetStatus reports service details; only implemented on Windows.
func GetStatus(name string) (ServiceInfo, error) {
	return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: not implemented on this platform")
}
