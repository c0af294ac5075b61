//go:build windows

package svcquery

import (
	"fmt"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// IsRunning returns true if the named service exists and is running.
func IsRunning(name string) (bool, error) {
	info, err := GetStatus(name)
	if err != nil {
		return false, err
	}
	return info.IsActive(), nil
}

// GetStatus queries a single service by name.
func GetStatus(name string) (ServiceInfo, error) {
	m, err := mgr.Connect()
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("svcquery: connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: open service %s: %w", name, err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: query %s: %w", name, err)
	}

	cfg, _ := s.Config()

	return ServiceInfo{
		Name:        name,
		DisplayName: cfg.DisplayName,
		Status:      mapState(status.State),
		StartType:   mapStartType(cfg.StartType),
	}, nil
}

func mapState(state svc.State) string {
	switch state {
	case svc.Running, svc.StartPending, svc.ContinuePending:
		return StatusRunning
	case svc.Stopped, svc.StopPending, svc.Paused, svc.PausePending:
		return StatusStopped
	default:
		return StatusUnknown
	}
}

func mapStartType(startType uint32) string {
	switch startType {
	case mgr.StartAutomatic, mgr.StartAutomatic + 0x80: // 0x80 = delayed start flag
		return "automatic"
	case mgr.StartManual:
		return "manual"
	case mgr.StartDisabled:
		return "disabled"
	default:
		return StatusUnknown
	}
}
