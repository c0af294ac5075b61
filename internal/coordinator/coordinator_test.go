package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/veilware/veil-agent/internal/rdclient"
	"github.com/veilware/veil-agent/internal/rdsession"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *rdsession.Simulated, *rdclient.Simulated) {
	t.Helper()

	sessions := rdsession.NewSimulated(
		rdsession.Session{ID: 0, StationName: "Services"},
		rdsession.Session{ID: 2, UserName: "alice"},
		rdsession.Session{ID: 3, UserName: "bob"},
	)
	clients := rdclient.NewSimulated(
		rdclient.ClientProcess{PID: 101, WindowTitle: "host-a - Remote Desktop"},
		rdclient.ClientProcess{PID: 102, WindowTitle: "host-b - Remote Desktop"},
	)

	c := New(Options{Sessions: sessions, Clients: clients, MaxRetries: 3})
	return c, sessions, clients
}

type eventRecorder struct {
	mu         sync.Mutex
	detected   []Connection
	terminated []Connection
	results    []bool
}

func (r *eventRecorder) ConnectionDetected(conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detected = append(r.detected, conn)
}

func (r *eventRecorder) ConnectionTerminated(conn Connection, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, conn)
	r.results = append(r.results, success)
}

func TestActiveConnectionsUnifiesBothCategories(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	conns := c.ActiveConnections(context.Background())
	if len(conns) != 4 {
		t.Fatalf("ActiveConnections returned %d, want 4 (2 sessions + 2 clients)", len(conns))
	}

	var sessions, clients int
	for _, conn := range conns {
		switch conn.Kind {
		case KindIncomingSession:
			sessions++
			if conn.SessionID == 0 {
				t.Fatal("console session must be filtered out")
			}
			if conn.ProcessID != 0 {
				t.Fatal("session connection must not carry a process id")
			}
		case KindOutgoingClient:
			clients++
			if conn.ProcessID == 0 {
				t.Fatal("client connection must carry a process id")
			}
			if conn.SessionID != 0 {
				t.Fatal("client connection must not carry a session id")
			}
		}
		if conn.ID == "" {
			t.Fatal("connection must have an id")
		}
	}
	if sessions != 2 || clients != 2 {
		t.Fatalf("got %d sessions and %d clients, want 2 and 2", sessions, clients)
	}
}

func TestActiveConnectionsUsesCacheWithinTTL(t *testing.T) {
	c, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	first := c.ActiveConnections(ctx)
	probes := sessions.ListCalls()

	second := c.ActiveConnections(ctx)
	if sessions.ListCalls() != probes {
		t.Fatal("second call within ttl should not re-probe")
	}

	if len(first) != len(second) {
		t.Fatalf("snapshot mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("cached snapshot should be identical, ids differ at %d", i)
		}
	}
}

func TestActiveConnectionsReprobesAfterTTL(t *testing.T) {
	sessions := rdsession.NewSimulated(rdsession.Session{ID: 2})
	clients := rdclient.NewSimulated()
	c := New(Options{Sessions: sessions, Clients: clients, CacheTTL: 20 * time.Millisecond})
	ctx := context.Background()

	c.ActiveConnections(ctx)
	probes := sessions.ListCalls()

	time.Sleep(40 * time.Millisecond)

	c.ActiveConnections(ctx)
	if sessions.ListCalls() <= probes {
		t.Fatal("call after ttl expiry should re-probe")
	}
}

func TestDetectedEventsFireOncePerProbeInDiscoveryOrder(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	rec := &eventRecorder{}
	c.Subscribe(rec)
	ctx := context.Background()

	c.ActiveConnections(ctx)
	c.ActiveConnections(ctx) // cached, no new events

	if len(rec.detected) != 4 {
		t.Fatalf("detected events = %d, want 4", len(rec.detected))
	}
	if rec.detected[0].Kind != KindIncomingSession || rec.detected[3].Kind != KindOutgoingClient {
		t.Fatal("events should preserve discovery order: sessions first, then clients")
	}
}

func TestSessionEnumerationFailureStillReturnsClients(t *testing.T) {
	c, sessions, _ := newTestCoordinator(t)
	sessions.FailEnumeration = true
	sessions.FailFallback = true

	conns := c.ActiveConnections(context.Background())
	if len(conns) != 2 {
		t.Fatalf("ActiveConnections = %d, want 2 client connections", len(conns))
	}
	for _, conn := range conns {
		if conn.Kind != KindOutgoingClient {
			t.Fatalf("unexpected kind %s", conn.Kind)
		}
	}
}

type panickyProbe struct{}

func (panickyProbe) List() []rdsession.Session             { panic("enumeration blew up") }
func (panickyProbe) ListWithFallback() []rdsession.Session { panic("enumeration blew up") }
func (panickyProbe) Logoff(ctx context.Context, id uint32, retries int) bool {
	panic("logoff blew up")
}
func (panickyProbe) Disconnect(ctx context.Context, id uint32, retries int) bool {
	panic("disconnect blew up")
}

func TestPanickingSessionProbeIsIsolated(t *testing.T) {
	clients := rdclient.NewSimulated(rdclient.ClientProcess{PID: 101})
	c := New(Options{Sessions: panickyProbe{}, Clients: clients})
	ctx := context.Background()

	conns := c.ActiveConnections(ctx)
	if len(conns) != 1 || conns[0].Kind != KindOutgoingClient {
		t.Fatalf("client connections should survive a panicking session probe: %+v", conns)
	}

	details := c.TerminateAllConnectionsWithDetails(ctx)
	if details.ClientsTerminated != 1 {
		t.Fatalf("client termination should still run, got %+v", details)
	}
	if details.SessionsTotal != 0 {
		t.Fatalf("panicking probe should degrade to zero sessions, got %+v", details)
	}
}

func TestTerminateSessionConnectionsFallsBackToDisconnect(t *testing.T) {
	c, sessions, _ := newTestCoordinator(t)
	sessions.FailLogoff = map[uint32]bool{2: true}

	rec := &eventRecorder{}
	c.Subscribe(rec)

	if !c.TerminateSessionConnections(context.Background()) {
		t.Fatal("disconnect fallback should rescue the failed logoff")
	}
	if len(sessions.Remaining()) != 0 {
		t.Fatalf("all sessions should be gone, remaining %v", sessions.Remaining())
	}
	if len(rec.terminated) != 2 {
		t.Fatalf("terminated events = %d, want 2", len(rec.terminated))
	}
}

func TestTerminateAllConnectionsAllSucceed(t *testing.T) {
	c, sessions, clients := newTestCoordinator(t)
	ctx := context.Background()

	if !c.TerminateAllConnections(ctx) {
		t.Fatal("TerminateAllConnections should succeed")
	}
	if len(sessions.Remaining()) != 0 {
		t.Fatalf("sessions remaining: %v", sessions.Remaining())
	}
	if len(clients.Remaining()) != 0 {
		t.Fatalf("clients remaining: %v", clients.Remaining())
	}
}

func TestTerminateAllConnectionsWithDetailsCounts(t *testing.T) {
	c, _, clients := newTestCoordinator(t)
	clients.FailTerminate = map[int32]bool{102: true}

	details := c.TerminateAllConnectionsWithDetails(context.Background())

	if details.SessionsTerminated != 2 || details.SessionsTotal != 2 {
		t.Fatalf("sessions: %d/%d, want 2/2", details.SessionsTerminated, details.SessionsTotal)
	}
	if details.ClientsTerminated != 1 || details.ClientsTotal != 2 {
		t.Fatalf("clients: %d/%d, want 1/2", details.ClientsTerminated, details.ClientsTotal)
	}
	if details.AllSuccessful() {
		t.Fatal("AllSuccessful should be false with a stuck client")
	}
	if len(details.Errors) == 0 {
		t.Fatal("stuck client should be reported in errors")
	}
}

func TestTerminatedEventsCarryPerConnectionResults(t *testing.T) {
	c, _, clients := newTestCoordinator(t)
	clients.FailTerminate = map[int32]bool{102: true}

	rec := &eventRecorder{}
	c.Subscribe(rec)

	c.TerminateClientConnections(context.Background())

	if len(rec.terminated) != 2 {
		t.Fatalf("terminated events = %d, want 2", len(rec.terminated))
	}
	for i, conn := range rec.terminated {
		wantSuccess := conn.ProcessID != 102
		if rec.results[i] != wantSuccess {
			t.Fatalf("event for pid %d has success=%v, want %v", conn.ProcessID, rec.results[i], wantSuccess)
		}
	}
}

func TestTerminationInvalidatesCache(t *testing.T) {
	c, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	if got := len(c.ActiveConnections(ctx)); got != 4 {
		t.Fatalf("initial connections = %d, want 4", got)
	}

	c.TerminateSessionConnections(ctx)

	// Even within the original ttl the next read must re-probe and see
	// the sessions gone.
	probes := sessions.ListCalls()
	conns := c.ActiveConnections(ctx)
	if sessions.ListCalls() <= probes {
		t.Fatal("read after termination should re-probe")
	}
	for _, conn := range conns {
		if conn.Kind == KindIncomingSession {
			t.Fatalf("terminated session still visible: %+v", conn)
		}
	}
}

func TestSafeModeScenario(t *testing.T) {
	c, _, _ := NewSafeMode(Options{})
	ctx := context.Background()

	conns := c.ActiveConnections(ctx)
	if len(conns) != 4 {
		t.Fatalf("safe mode seeds %d connections, want 4", len(conns))
	}

	if !c.TerminateAllConnections(ctx) {
		t.Fatal("safe mode termination should succeed")
	}
}
