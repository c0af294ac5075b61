// Package health tracks the liveness of the agent's detection and
// network components so the status surface can answer "would the panic
// button work right now" without triggering it.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// CheckFunc evaluates one component. A nil error means healthy; an error
// marks the component unhealthy with the error text as message.
type CheckFunc func(ctx context.Context) error

// Monitor tracks health checks for the agent's components. Checks are
// registered once and evaluated on each Sweep; Update allows components
// to push results directly.
type Monitor struct {
	mu       sync.RWMutex
	checks   map[string]Check
	checkers map[string]CheckFunc
}

// NewMonitor creates an empty health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks:   make(map[string]Check),
		checkers: make(map[string]CheckFunc),
	}
}

// Register adds a named checker evaluated by Sweep.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = fn
}

// Sweep evaluates every registered checker. A panicking checker marks
// its component unhealthy instead of crashing the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.RLock()
	checkers := make(map[string]CheckFunc, len(m.checkers))
	for name, fn := range m.checkers {
		checkers[name] = fn
	}
	m.mu.RUnlock()

	for name, fn := range checkers {
		err := runChecker(ctx, fn)
		if err != nil {
			m.Update(name, Unhealthy, err.Error())
		} else {
			m.Update(name, Healthy, "")
		}
	}
}

func runChecker(ctx context.Context, fn CheckFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Update records the health status for a named component.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}

	if status != Healthy {
		log.Warn("health check degraded", "component", name, "status", string(status), "message", message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all recorded checks.
// If no checks are recorded, returns Healthy.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

// Summary returns a JSON-friendly map for the status surfaces.
func (m *Monitor) Summary() map[string]any {
	overall := m.Overall()
	checks := m.All()

	components := make(map[string]string, len(checks))
	for _, c := range checks {
		components[c.Name] = string(c.Status)
	}

	return map[string]any{
		"status":     string(overall),
		"components": components,
	}
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 0
	}
}
