//go:build !windows

package rdsession

import (
	"context"
	"time"
)

// New returns a probe that sees no sessions on non-Windows platforms.
// Termination of an id that does not exist reports success, matching the
// Windows probe's already-gone semantics.
func New(backoff time.Duration) Probe {
	return stubProbe{}
}

type stubProbe struct{}

func (stubProbe) List() []Session             { return nil }
func (stubProbe) ListWithFallback() []Session { return nil }

func (stubProbe) Logoff(ctx context.Context, sessionID uint32, maxRetries int) bool {
	return sessionID != 0
}

func (stubProbe) Disconnect(ctx context.Context, sessionID uint32, maxRetries int) bool {
	return sessionID != 0
}
