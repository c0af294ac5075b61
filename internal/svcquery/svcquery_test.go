package svcquery

import "testing"

func TestIsActive(t *testing.T) {
	if !(ServiceInfo{Status: StatusRunning}).IsActive() {
		t.Fatal("running service should be active")
	}
	if (ServiceInfo{Status: StatusStopped}).IsActive() {
		t.Fatal("stopped service should not be active")
	}
	if (ServiceInfo{Status: StatusUnknown}).IsActive() {
		t.Fatal("unknown service should not be active")
	}
}
