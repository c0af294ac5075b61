//go:build !windows

package netgate

import (
	"context"
	"fmt"
	"runtime"
)

// New returns a gate that refuses to operate off Windows. Development on
// other platforms goes through the simulated gate instead.
func New(allowlist []string) Gate {
	return unsupportedGate{}
}

type unsupportedGate struct{}

func (unsupportedGate) Disable(ctx context.Context) error          { return errUnsupported() }
func (unsupportedGate) Enable(ctx context.Context) error           { return errUnsupported() }
func (unsupportedGate) Restore(ctx context.Context) error          { return errUnsupported() }
func (unsupportedGate) EmergencyRestore(ctx context.Context) error { return errUnsupported() }

func (unsupportedGate) State(ctx context.Context) (Status, error) {
	return Status{}, errUnsupported()
}

func errUnsupported() error {
	return fmt.Errorf("network control is not supported on %s", runtime.GOOS)
}
