// Package svcquery queries system service state. The network gate uses
// it to report whether the DNS client is still running, and the status
// surface uses it to check the remote desktop service.
package svcquery

// Service status values.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusUnknown = "unknown"
)

// ServiceInfo describes a system service.
type ServiceInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status"`
	StartType   string `json:"startType,omitempty"`
}

// IsActive returns true if the service is currently running.
func (s ServiceInfo) IsActive() bool {
	return s.Status == StatusRunning
}
