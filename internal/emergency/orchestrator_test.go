package emergency

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/hotkey"
	"github.com/veilware/veil-agent/internal/netgate"
	"github.com/veilware/veil-agent/internal/rdclient"
	"github.com/veilware/veil-agent/internal/rdsession"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *rdsession.Simulated, *rdclient.Simulated, *netgate.Simulated) {
	t.Helper()

	sessions := rdsession.NewSimulated(
		rdsession.Session{ID: 2, UserName: "alice"},
		rdsession.Session{ID: 3, UserName: "bob"},
	)
	clients := rdclient.NewSimulated(
		rdclient.ClientProcess{PID: 101, WindowTitle: "host-a - Remote Desktop"},
		rdclient.ClientProcess{PID: 102, WindowTitle: "host-b - Remote Desktop"},
	)
	gate := netgate.NewSimulated()

	coord := coordinator.New(coordinator.Options{Sessions: sessions, Clients: clients})
	return New(coord, gate, nil), sessions, clients, gate
}

func TestExecuteAllSucceed(t *testing.T) {
	o, sessions, clients, gate := newTestOrchestrator(t)

	result := o.Execute(context.Background())

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.SessionsTerminated != 2 || result.ClientsTerminated != 2 {
		t.Fatalf("terminated %d sessions and %d clients, want 2 and 2",
			result.SessionsTerminated, result.ClientsTerminated)
	}
	if !result.NetworkDisconnected {
		t.Fatal("network should be disconnected")
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(sessions.Remaining()) != 0 || len(clients.Remaining()) != 0 {
		t.Fatal("all remote desktop connections should be gone")
	}
	if gate.Enabled() {
		t.Fatal("simulated gate should be disabled")
	}
}

func TestExecuteNetworkAlwaysDisconnectsWhenTerminationFails(t *testing.T) {
	o, sessions, clients, gate := newTestOrchestrator(t)
	sessions.FailLogoff = map[uint32]bool{2: true, 3: true}
	sessions.FailDisconnect = map[uint32]bool{2: true, 3: true}
	clients.FailTerminate = map[int32]bool{101: true, 102: true}

	result := o.Execute(context.Background())

	if !result.NetworkDisconnected {
		t.Fatal("network disconnection must proceed despite termination failures")
	}
	if !result.Success {
		t.Fatal("network side succeeded, so the run succeeded")
	}
	if result.SessionsTerminated != 0 || result.ClientsTerminated != 0 {
		t.Fatalf("nothing should have terminated, got %+v", result)
	}
	if len(result.Errors) == 0 {
		t.Fatal("termination failures should be reported in errors")
	}
	if gate.DisableCalls() != 1 {
		t.Fatalf("disable calls = %d, want 1", gate.DisableCalls())
	}
}

func TestExecuteNetworkFailureFlipsSuccessOnly(t *testing.T) {
	o, _, _, gate := newTestOrchestrator(t)
	gate.FailDisable = true

	result := o.Execute(context.Background())

	if result.Success || result.NetworkDisconnected {
		t.Fatalf("network failure must surface in the result, got %+v", result)
	}
	if result.SessionsTerminated != 2 || result.ClientsTerminated != 2 {
		t.Fatalf("remote desktop counts should survive a network failure, got %+v", result)
	}

	var found bool
	for _, e := range result.Errors {
		if strings.Contains(e, "network disable failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors should name the network failure: %v", result.Errors)
	}
}

func TestExecuteSurvivesGatePanic(t *testing.T) {
	o, _, _, gate := newTestOrchestrator(t)
	gate.PanicOnDisable = true

	result := o.Execute(context.Background())

	if result.Success || result.NetworkDisconnected {
		t.Fatalf("panicking gate must be reported as failure, got %+v", result)
	}
	if result.SessionsTerminated != 2 || result.ClientsTerminated != 2 {
		t.Fatalf("remote desktop branch should be unaffected, got %+v", result)
	}

	var found bool
	for _, e := range result.Errors {
		if strings.Contains(e, "network disable panic") {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors should name the panic: %v", result.Errors)
	}
}

func TestExecuteRunsBranchesInParallel(t *testing.T) {
	o, sessions, clients, gate := newTestOrchestrator(t)

	// With both branches paying the same artificial latency, a serial
	// orchestration would take roughly twice as long as a parallel one.
	const branch = 120 * time.Millisecond
	sessions.Delay = branch / 6
	clients.Delay = branch / 6
	gate.Delay = branch

	result := o.Execute(context.Background())

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ExecutionTime >= branch*18/10 {
		t.Fatalf("execution took %s, branches are not running in parallel", result.ExecutionTime)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	triggered []string
	completed []Result
}

func (r *recordingObserver) EmergencyTriggered(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggered = append(r.triggered, message)
}

func (r *recordingObserver) EmergencyCompleted(result Result, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, result)
}

func TestExecuteNotifiesObservers(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	rec := &recordingObserver{}
	o.Subscribe(rec)

	o.Execute(context.Background())

	if len(rec.triggered) != 1 {
		t.Fatalf("triggered events = %d, want 1", len(rec.triggered))
	}
	if len(rec.completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(rec.completed))
	}
	if !rec.completed[0].Success {
		t.Fatalf("completed event should carry the result, got %+v", rec.completed[0])
	}
}

type fakeRegistrar struct {
	combo      hotkey.Combo
	fn         func()
	registered bool
}

func (f *fakeRegistrar) Register(combo hotkey.Combo, fn func()) error {
	f.combo = combo
	f.fn = fn
	f.registered = true
	return nil
}

func (f *fakeRegistrar) Unregister() error {
	f.registered = false
	return nil
}

func TestHotkeyRegistrationBindsExecute(t *testing.T) {
	sessions := rdsession.NewSimulated(rdsession.Session{ID: 2, UserName: "alice"})
	clients := rdclient.NewSimulated()
	gate := netgate.NewSimulated()
	reg := &fakeRegistrar{}

	coord := coordinator.New(coordinator.Options{Sessions: sessions, Clients: clients})
	o := New(coord, gate, reg)

	combo, err := hotkey.Parse("ctrl+alt+f8")
	if err != nil {
		t.Fatal(err)
	}
	if err := o.RegisterEmergencyHotkey(combo); err != nil {
		t.Fatal(err)
	}
	if !reg.registered || reg.combo.String() != "ctrl+alt+f8" {
		t.Fatalf("registrar should hold the combination, got %+v", reg)
	}

	rec := &recordingObserver{}
	o.Subscribe(rec)

	reg.fn()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		done := len(rec.completed) == 1
		rec.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hotkey callback did not drive an emergency run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if gate.Enabled() {
		t.Fatal("gate should be disabled after the hotkey run")
	}

	if err := o.UnregisterEmergencyHotkey(); err != nil {
		t.Fatal(err)
	}
	if reg.registered {
		t.Fatal("unregister should release the combination")
	}
}

func TestResultSummary(t *testing.T) {
	r := &Result{
		SessionsTerminated:  2,
		ClientsTerminated:   1,
		NetworkDisconnected: true,
		ExecutionTime:       231 * time.Millisecond,
	}
	got := r.Summary()
	if !strings.Contains(got, "2 sessions") || !strings.Contains(got, "1 clients") {
		t.Fatalf("summary missing counts: %q", got)
	}
	if !strings.Contains(got, "network disconnected") {
		t.Fatalf("summary missing network status: %q", got)
	}

	r.NetworkDisconnected = false
	if !strings.Contains(r.Summary(), "NETWORK STILL UP") {
		t.Fatalf("summary should shout on failure: %q", r.Summary())
	}
}
