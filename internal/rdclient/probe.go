// Package rdclient discovers outbound remote desktop client processes on
// the local machine and terminates them with a graceful-then-forced
// escalation ladder.
package rdclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("rdclient")

// ClientProcess describes one running remote desktop client.
type ClientProcess struct {
	PID         int32
	Name        string
	WindowTitle string
	StartedAt   time.Time
}

// BatchResult reports the outcome of terminating every discovered client.
type BatchResult struct {
	AllSuccessful bool
	Succeeded     int
	Total         int
	FailedPIDs    []int32
	Errors        []string
}

// Probe enumerates and terminates remote desktop client processes.
//
// List fails soft to empty on enumeration errors; ListWithFallback tries a
// window-based lookup before giving up. Terminate escalates from a
// graceful close request to a forced kill across retries; a pid that no
// longer exists counts as success. TerminateAllWithDetails attempts every
// discovered process even when earlier ones fail.
type Probe interface {
	List() []ClientProcess
	ListWithFallback() []ClientProcess
	Terminate(ctx context.Context, pid int32, maxRetries int) bool
	TerminateAll(ctx context.Context) bool
	TerminateAllWithDetails(ctx context.Context) BatchResult
}

// New creates a probe that matches processes by executable name.
func New(names []string, maxRetries int, backoff time.Duration) Probe {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}

	return &processProbe{
		names:      set,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

type processProbe struct {
	names      map[string]bool
	maxRetries int
	backoff    time.Duration
}

func (p *processProbe) List() []ClientProcess {
	clients, err := p.scan()
	if err != nil {
		log.Warn("client process enumeration failed", "error", err)
		return nil
	}
	return clients
}

func (p *processProbe) ListWithFallback() []ClientProcess {
	clients, err := p.scan()
	if err == nil {
		return clients
	}
	log.Warn("client process enumeration failed, trying window lookup", "error", err)

	return listByWindowsOS(p.names)
}

func (p *processProbe) scan() ([]ClientProcess, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("process snapshot: %w", err)
	}

	var clients []ClientProcess
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil || !p.names[strings.ToLower(name)] {
			continue
		}

		c := ClientProcess{
			PID:  proc.Pid,
			Name: name,
			// Window title is diagnostic only; failures leave it empty.
			WindowTitle: windowTitleOS(proc.Pid),
		}
		if created, err := proc.CreateTime(); err == nil {
			c.StartedAt = time.UnixMilli(created)
		}
		clients = append(clients, c)
	}

	return clients, nil
}

// Terminate runs the escalation ladder against one pid: the first attempt
// asks the process to close its windows, every later attempt kills it.
func (p *processProbe) Terminate(ctx context.Context, pid int32, maxRetries int) bool {
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			sleep(ctx, p.backoff)
		}

		exists, err := process.PidExists(pid)
		if err == nil && !exists {
			log.Info("client process already terminated", "pid", pid, "attempt", attempt)
			return true
		}

		method := "terminate-forced"
		if attempt == 1 {
			method = "close"
			if requestCloseOS(pid) {
				// Give the process a moment to exit cleanly before
				// checking or escalating.
				sleep(ctx, p.backoff)
				if gone(pid) {
					log.Info("client process terminated", "pid", pid, "method", method, "attempt", attempt)
					return true
				}
				log.Warn("client process ignored close request", "pid", pid, "attempt", attempt)
				continue
			}
			log.Warn("close request failed, escalating", "pid", pid, "attempt", attempt)
			continue
		}

		proc, err := process.NewProcess(pid)
		if err != nil {
			log.Info("client process already terminated", "pid", pid, "attempt", attempt)
			return true
		}

		if err := proc.Kill(); err != nil {
			if gone(pid) {
				log.Info("client process already terminated", "pid", pid, "attempt", attempt)
				return true
			}
			log.Warn("client process termination attempt failed",
				"pid", pid, "method", method, "attempt", attempt, "error", err)
			continue
		}

		log.Info("client process terminated", "pid", pid, "method", method, "attempt", attempt)
		return true
	}

	return false
}

func (p *processProbe) TerminateAll(ctx context.Context) bool {
	return p.TerminateAllWithDetails(ctx).AllSuccessful
}

func (p *processProbe) TerminateAllWithDetails(ctx context.Context) BatchResult {
	clients := p.ListWithFallback()

	result := BatchResult{
		AllSuccessful: true,
		Total:         len(clients),
	}

	for _, c := range clients {
		if p.Terminate(ctx, c.PID, p.maxRetries) {
			result.Succeeded++
			continue
		}
		result.AllSuccessful = false
		result.FailedPIDs = append(result.FailedPIDs, c.PID)
		result.Errors = append(result.Errors,
			fmt.Sprintf("failed to terminate %s (pid %d) after %d attempts", c.Name, c.PID, p.maxRetries))
	}

	log.Info("client termination batch complete",
		"succeeded", result.Succeeded, "total", result.Total, "errors", len(result.Errors))
	return result
}

func gone(pid int32) bool {
	exists, err := process.PidExists(pid)
	return err == nil && !exists
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
