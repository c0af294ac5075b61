package rdsession

import (
	"context"
	"sync"
	"time"
)

// Simulated is an in-memory Probe used in safe mode and by tests. It
// honors the same contract as the system probe: the console session is
// filtered out, enumeration failures degrade to empty, and terminating a
// missing session reports success.
type Simulated struct {
	// Delay is applied to every call to mimic the latency of real WTS
	// round-trips.
	Delay time.Duration

	// FailEnumeration makes the primary List fail; FailFallback makes the
	// secondary strategy fail as well.
	FailEnumeration bool
	FailFallback    bool

	// FailLogoff and FailDisconnect list session ids whose respective
	// termination method always fails.
	FailLogoff     map[uint32]bool
	FailDisconnect map[uint32]bool

	mu       sync.Mutex
	sessions map[uint32]Session
	order    []uint32

	logoffCalls     int
	disconnectCalls int
	listCalls       int
}

// NewSimulated seeds a simulated probe. Sessions that would never be
// targeted on a real machine (console session, non-RDP stations) may be
// included; they are filtered on enumeration exactly like the real probe
// filters them.
func NewSimulated(sessions ...Session) *Simulated {
	s := &Simulated{
		sessions: make(map[uint32]Session, len(sessions)),
	}
	for _, sess := range sessions {
		if sess.StationName == "" {
			sess.StationName = "RDP-Tcp#0"
		}
		if sess.State == "" {
			sess.State = StateActive
		}
		s.sessions[sess.ID] = sess
		s.order = append(s.order, sess.ID)
	}
	return s
}

func (s *Simulated) List() []Session {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++

	if s.FailEnumeration {
		log.Warn("session enumeration failed", "error", "simulated failure")
		return nil
	}
	return filterRemote(s.snapshotLocked())
}

func (s *Simulated) ListWithFallback() []Session {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++

	if s.FailEnumeration && s.FailFallback {
		log.Warn("session enumeration failed, fallback also failed", "error", "simulated failure")
		return nil
	}
	return filterRemote(s.snapshotLocked())
}

func (s *Simulated) Logoff(ctx context.Context, sessionID uint32, maxRetries int) bool {
	return s.terminate(ctx, sessionID, maxRetries, "logoff", s.FailLogoff, &s.logoffCalls)
}

func (s *Simulated) Disconnect(ctx context.Context, sessionID uint32, maxRetries int) bool {
	return s.terminate(ctx, sessionID, maxRetries, "disconnect", s.FailDisconnect, &s.disconnectCalls)
}

func (s *Simulated) terminate(ctx context.Context, sessionID uint32, maxRetries int, method string, failing map[uint32]bool, counter *int) bool {
	if sessionID == 0 {
		return false
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		s.pause()

		s.mu.Lock()
		*counter++
		_, exists := s.sessions[sessionID]
		blocked := failing[sessionID]
		if exists && !blocked {
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()

		if !exists {
			log.Info("session already gone", "method", method, "sessionId", sessionID, "attempt", attempt)
			return true
		}
		if !blocked {
			log.Info("session terminated", "method", method, "sessionId", sessionID, "attempt", attempt)
			return true
		}

		log.Warn("session termination attempt failed",
			"method", method, "sessionId", sessionID, "attempt", attempt, "error", "simulated failure")
	}

	return false
}

// Remaining returns the ids of sessions that have not been terminated,
// in seed order. Sessions that enumeration filters out (console,
// non-RDP stations) are never termination candidates and are omitted,
// matching what callers of the probe can observe.
func (s *Simulated) Remaining() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint32
	for _, sess := range filterRemote(s.snapshotLocked()) {
		ids = append(ids, sess.ID)
	}
	return ids
}

// ListCalls reports how many enumeration calls have been made, used by
// cache-behavior tests.
func (s *Simulated) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *Simulated) snapshotLocked() []Session {
	out := make([]Session, 0, len(s.order))
	for _, id := range s.order {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Simulated) pause() {
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
}
