package rdclient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Simulated is an in-memory Probe used in safe mode and by tests,
// honoring the same contract as the system probe.
type Simulated struct {
	// Delay is applied to every call to mimic real enumeration and
	// termination latency.
	Delay time.Duration

	// MaxRetries is the per-process retry budget used by the batch
	// operations. Defaults to 3.
	MaxRetries int

	FailEnumeration bool
	FailFallback    bool

	// SurviveClose lists pids that ignore the graceful close request but
	// die when killed; FailTerminate lists pids that never die.
	SurviveClose  map[int32]bool
	FailTerminate map[int32]bool

	mu    sync.Mutex
	procs map[int32]ClientProcess
	order []int32

	listCalls      int
	terminateCalls int
}

// NewSimulated seeds a simulated probe with client processes.
func NewSimulated(procs ...ClientProcess) *Simulated {
	s := &Simulated{
		MaxRetries: 3,
		procs:      make(map[int32]ClientProcess, len(procs)),
	}
	for _, p := range procs {
		if p.Name == "" {
			p.Name = "mstsc.exe"
		}
		s.procs[p.PID] = p
		s.order = append(s.order, p.PID)
	}
	return s
}

func (s *Simulated) List() []ClientProcess {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++

	if s.FailEnumeration {
		log.Warn("client process enumeration failed", "error", "simulated failure")
		return nil
	}
	return s.snapshotLocked()
}

func (s *Simulated) ListWithFallback() []ClientProcess {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++

	if s.FailEnumeration && s.FailFallback {
		log.Warn("client process enumeration failed, fallback also failed", "error", "simulated failure")
		return nil
	}
	return s.snapshotLocked()
}

func (s *Simulated) Terminate(ctx context.Context, pid int32, maxRetries int) bool {
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		s.pause()

		s.mu.Lock()
		s.terminateCalls++
		_, exists := s.procs[pid]
		stuck := s.FailTerminate[pid]
		graceful := attempt == 1 && s.SurviveClose[pid]
		if exists && !stuck && !graceful {
			delete(s.procs, pid)
		}
		s.mu.Unlock()

		method := "terminate-forced"
		if attempt == 1 {
			method = "close"
		}

		if !exists {
			log.Info("client process already terminated", "pid", pid, "attempt", attempt)
			return true
		}
		if !stuck && !graceful {
			log.Info("client process terminated", "pid", pid, "method", method, "attempt", attempt)
			return true
		}

		log.Warn("client process termination attempt failed",
			"pid", pid, "method", method, "attempt", attempt, "error", "simulated failure")
	}

	return false
}

func (s *Simulated) TerminateAll(ctx context.Context) bool {
	return s.TerminateAllWithDetails(ctx).AllSuccessful
}

func (s *Simulated) TerminateAllWithDetails(ctx context.Context) BatchResult {
	clients := s.ListWithFallback()

	result := BatchResult{
		AllSuccessful: true,
		Total:         len(clients),
	}

	retries := s.MaxRetries
	if retries < 1 {
		retries = 3
	}

	for _, c := range clients {
		if s.Terminate(ctx, c.PID, retries) {
			result.Succeeded++
			continue
		}
		result.AllSuccessful = false
		result.FailedPIDs = append(result.FailedPIDs, c.PID)
		result.Errors = append(result.Errors,
			fmt.Sprintf("failed to terminate %s (pid %d) after %d attempts", c.Name, c.PID, retries))
	}

	return result
}

// Remaining returns the pids of processes still running, in seed order.
func (s *Simulated) Remaining() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pids []int32
	for _, pid := range s.order {
		if _, ok := s.procs[pid]; ok {
			pids = append(pids, pid)
		}
	}
	return pids
}

// ListCalls reports how many enumeration calls have been made.
func (s *Simulated) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *Simulated) snapshotLocked() []ClientProcess {
	out := make([]ClientProcess, 0, len(s.order))
	for _, pid := range s.order {
		if p, ok := s.procs[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Simulated) pause() {
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
}
