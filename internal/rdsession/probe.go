// Package rdsession enumerates inbound RDP sessions on the local machine
// and ends them by logoff or disconnect.
package rdsession

import (
	"context"
	"strings"
	"time"

	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("rdsession")

// State mirrors the WTS connect state of a session.
type State string

const (
	StateActive       State = "active"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateIdle         State = "idle"
	StateUnknown      State = "unknown"
)

// Session describes one inbound RDP session.
type Session struct {
	ID            uint32
	StationName   string
	UserName      string
	ClientName    string
	ClientAddress string
	State         State
	ConnectedAt   time.Time
}

// Probe enumerates inbound RDP sessions and terminates them.
//
// List and ListWithFallback fail soft: an enumeration error degrades to an
// empty result so that detection failures never block the rest of the
// emergency path. ListWithFallback additionally tries a secondary
// enumeration strategy before giving up.
//
// Logoff and Disconnect retry up to maxRetries with a short backoff and
// report true once the session is gone. A session id that no longer exists
// counts as success.
type Probe interface {
	List() []Session
	ListWithFallback() []Session
	Logoff(ctx context.Context, sessionID uint32, maxRetries int) bool
	Disconnect(ctx context.Context, sessionID uint32, maxRetries int) bool
}

// filterRemote keeps sessions that terminate into this machine over RDP.
// The console session (id 0), local winstations, and RDP listeners
// (ids 65536 and up) are never candidates.
func filterRemote(sessions []Session) []Session {
	var out []Session
	for _, s := range sessions {
		if s.ID == 0 || s.ID >= 65536 {
			continue
		}
		if !strings.HasPrefix(strings.ToUpper(s.StationName), "RDP") {
			continue
		}
		out = append(out, s)
	}
	return out
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// parseSessionList parses "query session" (qwinsta) output, the fallback
// enumeration strategy when the WTS API is unavailable. Expected shape:
//
//	SESSIONNAME       USERNAME                 ID  STATE   TYPE        DEVICE
//	services                                    0  Disc
//	rdp-tcp#2         alice                     2  Active
func parseSessionList(output string) []Session {
	var sessions []Session

	lines := strings.Split(output, "\n")
	if len(lines) < 2 {
		return nil
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(strings.TrimPrefix(strings.TrimRight(line, "\r"), ">"))
		if len(fields) < 3 {
			continue
		}

		// USERNAME is omitted for unattached sessions, so locate the
		// numeric ID column and work outwards from it.
		idIdx := -1
		var id uint64
		for i, f := range fields {
			if n, err := parseUint(f); err == nil {
				idIdx = i
				id = n
				break
			}
		}
		if idIdx < 1 {
			continue
		}

		s := Session{
			ID:          uint32(id),
			StationName: fields[0],
			State:       StateUnknown,
		}
		if idIdx >= 2 {
			s.UserName = fields[1]
		}
		if len(fields) > idIdx+1 {
			s.State = parseStateName(fields[idIdx+1])
		}

		sessions = append(sessions, s)
	}

	return sessions
}

func parseUint(s string) (uint64, error) {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + uint64(r-'0')
	}
	if s == "" {
		return 0, errNotANumber
	}
	return n, nil
}

var errNotANumber = notANumberError{}

type notANumberError struct{}

func (notANumberError) Error() string { return "not a number" }

func parseStateName(s string) State {
	switch strings.ToLower(s) {
	case "active":
		return StateActive
	case "conn", "connected":
		return StateConnected
	case "disc", "disconnected":
		return StateDisconnected
	case "idle":
		return StateIdle
	default:
		return StateUnknown
	}
}
