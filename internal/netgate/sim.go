package netgate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Simulated is an in-memory Gate used in safe mode and by tests.
type Simulated struct {
	// Delay is applied to every call to mimic adapter toggle latency.
	Delay time.Duration

	// FailDisable and FailEnable force the respective operation to fail.
	FailDisable bool
	FailEnable  bool

	// PanicOnDisable makes Disable panic, exercising the orchestrator's
	// outermost exception boundary.
	PanicOnDisable bool

	mu          sync.Mutex
	enabled     bool
	wasDisabled bool // set by Disable, consumed by Restore

	disableCalls int
}

// NewSimulated creates a simulated gate with connectivity up.
func NewSimulated() *Simulated {
	return &Simulated{enabled: true}
}

func (s *Simulated) Disable(ctx context.Context) error {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableCalls++

	if s.PanicOnDisable {
		panic("simulated network failure")
	}
	if s.FailDisable {
		return fmt.Errorf("simulated disable failure")
	}

	s.enabled = false
	s.wasDisabled = true
	log.Info("network disabled (simulated)")
	return nil
}

func (s *Simulated) Enable(ctx context.Context) error {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailEnable {
		return fmt.Errorf("simulated enable failure")
	}

	s.enabled = true
	log.Info("network enabled (simulated)")
	return nil
}

func (s *Simulated) Restore(ctx context.Context) error {
	s.mu.Lock()
	pending := s.wasDisabled
	s.mu.Unlock()

	if !pending {
		return nil
	}
	if err := s.Enable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.wasDisabled = false
	s.mu.Unlock()
	return nil
}

func (s *Simulated) EmergencyRestore(ctx context.Context) error {
	err := s.Enable(ctx)

	s.mu.Lock()
	s.wasDisabled = false
	s.mu.Unlock()
	return err
}

func (s *Simulated) State(ctx context.Context) (Status, error) {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Enabled:           s.enabled,
		FirewallActive:    true,
		DNSServiceRunning: s.enabled,
	}
	if s.enabled {
		status.CurrentIP = "192.0.2.10"
	}
	return status, nil
}

// Enabled reports the simulated connectivity state.
func (s *Simulated) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// DisableCalls reports how many Disable calls were made.
func (s *Simulated) DisableCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disableCalls
}

func (s *Simulated) pause() {
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
}
