// Package netgate controls network connectivity for the emergency
// kill-switch: it disables, enables, and restores the machine's network
// adapters as one unit.
package netgate

import (
	"context"

	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("netgate")

// Status is a point-in-time view of network connectivity.
type Status struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	CurrentIP         string `json:"currentIp,omitempty" yaml:"currentIp,omitempty"`
	FirewallActive    bool   `json:"firewallActive" yaml:"firewallActive"`
	DNSServiceRunning bool   `json:"dnsServiceRunning" yaml:"dnsServiceRunning"`
}

// Gate toggles network connectivity.
//
// Disable cuts connectivity and remembers which adapters it touched.
// Enable brings connectivity back up. Restore re-enables exactly the
// adapters a previous Disable touched; EmergencyRestore re-enables every
// known adapter regardless of remembered state, the recovery path when the
// remembered set was lost (process restart after a panic disable).
//
// None of the methods retry internally; the caller owns retry policy.
type Gate interface {
	Disable(ctx context.Context) error
	Enable(ctx context.Context) error
	Restore(ctx context.Context) error
	EmergencyRestore(ctx context.Context) error
	State(ctx context.Context) (Status, error)
}
