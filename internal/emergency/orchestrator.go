// Package emergency implements the panic-button orchestration: remote
// desktop termination raced against a network kill-switch, with partial
// failures folded into a single result.
package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/hotkey"
	"github.com/veilware/veil-agent/internal/logging"
	"github.com/veilware/veil-agent/internal/netgate"
)

var log = logging.L("emergency")

// Result is the aggregated outcome of one emergency disconnect run.
// Success tracks only the network side: remote desktop failures alone
// never flip it, because cutting the network is the one thing the panic
// button must always achieve.
type Result struct {
	Success             bool          `json:"success" yaml:"success"`
	SessionsTerminated  int           `json:"sessionsTerminated" yaml:"sessionsTerminated"`
	ClientsTerminated   int           `json:"clientsTerminated" yaml:"clientsTerminated"`
	NetworkDisconnected bool          `json:"networkDisconnected" yaml:"networkDisconnected"`
	ExecutionTime       time.Duration `json:"executionTime" yaml:"executionTime"`
	Errors              []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Summary renders a short human-readable outcome line.
func (r *Result) Summary() string {
	status := "network disconnected"
	if !r.NetworkDisconnected {
		status = "NETWORK STILL UP"
	}
	return fmt.Sprintf("%d sessions and %d clients terminated, %s in %s",
		r.SessionsTerminated, r.ClientsTerminated, status, r.ExecutionTime.Round(time.Millisecond))
}

// Observer receives orchestration lifecycle events.
type Observer interface {
	EmergencyTriggered(message string)
	EmergencyCompleted(result Result, message string)
}

// Orchestrator drives the emergency disconnect.
type Orchestrator struct {
	coord     *coordinator.Coordinator
	gate      netgate.Gate
	registrar hotkey.Registrar

	obsMu     sync.Mutex
	observers []Observer
}

// New creates an orchestrator. The registrar may be nil when no hotkey
// collaborator is attached (CLI-triggered use).
func New(coord *coordinator.Coordinator, gate netgate.Gate, registrar hotkey.Registrar) *Orchestrator {
	if registrar == nil {
		registrar = hotkey.Noop()
	}
	return &Orchestrator{
		coord:     coord,
		gate:      gate,
		registrar: registrar,
	}
}

// Subscribe registers an observer for lifecycle events.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, obs)
}

// Execute runs the emergency disconnect: remote desktop termination and
// the network disable are launched together and both awaited, so the wall
// clock cost is near max of the two rather than their sum. Either branch
// panicking or failing is converted into Errors; nothing propagates to
// the caller, and the network branch runs no matter what happens on the
// remote desktop side. Once triggered the sequence runs to completion, it
// is not cancellable mid-flight.
func (o *Orchestrator) Execute(ctx context.Context) *Result {
	start := time.Now()
	log.Info("emergency disconnect triggered")
	o.notifyTriggered("emergency disconnect triggered")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		details coordinator.TerminationDetails
		netErr  error
		errs    []string
	)

	appendErr := func(msg string) {
		mu.Lock()
		errs = append(errs, msg)
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("remote desktop termination panic", "error", r)
				appendErr(fmt.Sprintf("remote desktop termination panic: %v", r))
			}
		}()

		d := o.coord.TerminateAllConnectionsWithDetails(ctx)
		mu.Lock()
		details = d
		mu.Unlock()
		for _, e := range d.Errors {
			appendErr(e)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("network disable panic", "error", r)
				mu.Lock()
				netErr = fmt.Errorf("network disable panic: %v", r)
				mu.Unlock()
				appendErr(fmt.Sprintf("network disable panic: %v", r))
			}
		}()

		if err := o.gate.Disable(ctx); err != nil {
			log.Error("network disable failed", "error", err)
			mu.Lock()
			netErr = err
			mu.Unlock()
			appendErr(fmt.Sprintf("network disable failed: %v", err))
		}
	}()

	wg.Wait()

	result := &Result{
		SessionsTerminated:  details.SessionsTerminated,
		ClientsTerminated:   details.ClientsTerminated,
		NetworkDisconnected: netErr == nil,
		ExecutionTime:       time.Since(start),
		Errors:              errs,
	}
	result.Success = result.NetworkDisconnected

	log.Info("emergency disconnect complete",
		"success", result.Success,
		"sessionsTerminated", result.SessionsTerminated,
		"clientsTerminated", result.ClientsTerminated,
		"networkDisconnected", result.NetworkDisconnected,
		"durationMs", result.ExecutionTime.Milliseconds(),
		"errors", len(result.Errors))

	o.notifyCompleted(*result, result.Summary())
	return result
}

// RegisterEmergencyHotkey binds the configured combination to Execute via
// the external hotkey collaborator.
func (o *Orchestrator) RegisterEmergencyHotkey(combo hotkey.Combo) error {
	return o.registrar.Register(combo, func() {
		// The callback must never block the hotkey dispatcher.
		go o.Execute(context.Background())
	})
}

// UnregisterEmergencyHotkey releases the registered combination.
func (o *Orchestrator) UnregisterEmergencyHotkey() error {
	return o.registrar.Unregister()
}

func (o *Orchestrator) notifyTriggered(msg string) {
	for _, obs := range o.snapshotObservers() {
		obs.EmergencyTriggered(msg)
	}
}

func (o *Orchestrator) notifyCompleted(result Result, msg string) {
	for _, obs := range o.snapshotObservers() {
		obs.EmergencyCompleted(result, msg)
	}
}

func (o *Orchestrator) snapshotObservers() []Observer {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	return append([]Observer(nil), o.observers...)
}
