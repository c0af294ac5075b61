// Package coordinator is the single façade over remote desktop detection
// and termination. It owns the connection cache, merges the session and
// client probes into one connection list, and drives partial-failure
// tolerant batch termination.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilware/veil-agent/internal/logging"
	"github.com/veilware/veil-agent/internal/rdclient"
	"github.com/veilware/veil-agent/internal/rdsession"
)

var log = logging.L("coordinator")

// Observer receives connection lifecycle events. Events are delivered
// synchronously in detection respectively termination order; subscribe
// before invoking operations.
type Observer interface {
	ConnectionDetected(conn Connection)
	ConnectionTerminated(conn Connection, success bool)
}

// Options configures a Coordinator.
type Options struct {
	Sessions   rdsession.Probe
	Clients    rdclient.Probe
	CacheTTL   time.Duration // default 5s
	MaxRetries int           // per-connection retry budget, default 3
}

// Coordinator composes the session and client probes.
type Coordinator struct {
	sessions   rdsession.Probe
	clients    rdclient.Probe
	maxRetries int

	// mu serializes cache access and detection; concurrent detection
	// calls (two hotkey presses back to back) must not race on cache
	// replacement.
	mu    sync.Mutex
	cache *connectionCache

	obsMu     sync.Mutex
	observers []Observer
}

// New creates a coordinator over the given probes.
func New(opts Options) *Coordinator {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	return &Coordinator{
		sessions:   opts.Sessions,
		clients:    opts.Clients,
		maxRetries: opts.MaxRetries,
		cache:      newConnectionCache(opts.CacheTTL),
	}
}

// NewSafeMode creates a coordinator wired to simulated probes with a
// representative data set and artificial latency, for exercising the full
// emergency path without touching a live machine. The returned simulated
// probes allow further seeding by callers.
func NewSafeMode(opts Options) (*Coordinator, *rdsession.Simulated, *rdclient.Simulated) {
	sessions := rdsession.NewSimulated(
		rdsession.Session{ID: 0, StationName: "Services"},
		rdsession.Session{ID: 2, UserName: "alice", ClientName: "ALICE-PC", ClientAddress: "192.0.2.20", ConnectedAt: time.Now().Add(-30 * time.Minute)},
		rdsession.Session{ID: 3, UserName: "bob", ClientName: "BOB-PC", ClientAddress: "192.0.2.21", State: rdsession.StateDisconnected},
	)
	sessions.Delay = 50 * time.Millisecond

	clients := rdclient.NewSimulated(
		rdclient.ClientProcess{PID: 4242, WindowTitle: "fileserver01 - Remote Desktop Connection"},
		rdclient.ClientProcess{PID: 4243, WindowTitle: "buildbox - Remote Desktop Connection"},
	)
	clients.Delay = 50 * time.Millisecond

	opts.Sessions = sessions
	opts.Clients = clients
	return New(opts), sessions, clients
}

// Subscribe registers an observer for lifecycle events.
func (c *Coordinator) Subscribe(obs Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, obs)
}

// ActiveConnections returns the current remote-access connections. A
// cached snapshot is returned while fresh; otherwise both probes are
// re-run (with their fallback strategies), the cache is replaced, and one
// detected event fires per connection. The two probes are independent: a
// failure in one never suppresses results from the other.
func (c *Coordinator) ActiveConnections(ctx context.Context) []Connection {
	c.mu.Lock()

	if entries, ok := c.cache.get(); ok {
		c.mu.Unlock()
		return copyConnections(entries)
	}

	start := time.Now()
	conns := c.detect(ctx)
	c.cache.put(conns)
	c.mu.Unlock()

	log.Info("detection cycle complete",
		"connections", len(conns), "durationMs", time.Since(start).Milliseconds())

	for _, conn := range conns {
		c.notifyDetected(conn)
	}
	return copyConnections(conns)
}

// detect probes both categories. Each category is isolated: a panic in
// one probe degrades that category to empty instead of taking down the
// cycle.
func (c *Coordinator) detect(ctx context.Context) []Connection {
	var conns []Connection

	for _, s := range c.probeSessions() {
		conns = append(conns, Connection{
			ID:            uuid.NewString(),
			Kind:          KindIncomingSession,
			SessionID:     s.ID,
			UserName:      s.UserName,
			ClientName:    s.ClientName,
			ClientAddress: s.ClientAddress,
			State:         s.State,
			ConnectedAt:   s.ConnectedAt,
		})
	}

	for _, p := range c.probeClients() {
		name := p.WindowTitle
		if name == "" {
			name = p.Name
		}
		conns = append(conns, Connection{
			ID:          uuid.NewString(),
			Kind:        KindOutgoingClient,
			ProcessID:   p.PID,
			ClientName:  name,
			State:       rdsession.StateActive,
			ConnectedAt: p.StartedAt,
		})
	}

	return conns
}

func (c *Coordinator) probeSessions() (sessions []rdsession.Session) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("session probe panic", "error", r)
			sessions = nil
		}
	}()
	return c.sessions.ListWithFallback()
}

func (c *Coordinator) probeClients() (clients []rdclient.ClientProcess) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("client probe panic", "error", r)
			clients = nil
		}
	}()
	return c.clients.ListWithFallback()
}

// TerminateSessionConnections logs off every known inbound session,
// falling back to disconnect when logoff fails. Every session is
// attempted regardless of earlier failures; the return value is true only
// when all of them terminated.
func (c *Coordinator) TerminateSessionConnections(ctx context.Context) bool {
	targets := connectionsOfKind(c.ActiveConnections(ctx), KindIncomingSession)
	terminated, total, _ := c.terminateSessions(ctx, targets)
	c.invalidateCache()
	return terminated == total
}

func (c *Coordinator) terminateSessions(ctx context.Context, targets []Connection) (terminated, total int, errs []string) {
	for _, conn := range targets {
		outcome := Outcome{Connection: conn, Method: "logoff"}
		outcome.Success = c.sessions.Logoff(ctx, conn.SessionID, c.maxRetries)
		if !outcome.Success {
			outcome.Method = "disconnect"
			outcome.Success = c.sessions.Disconnect(ctx, conn.SessionID, c.maxRetries)
		}
		if !outcome.Success {
			outcome.Error = fmt.Sprintf("session %d: logoff and disconnect both failed", conn.SessionID)
			errs = append(errs, outcome.Error)
		} else {
			terminated++
		}

		log.Info("session termination outcome",
			"sessionId", conn.SessionID, "method", outcome.Method, "success", outcome.Success)
		c.notifyTerminated(conn, outcome.Success)
	}

	return terminated, len(targets), errs
}

// TerminateClientConnections kills every known outbound client process.
// Detailed counts are preserved in logs and events; the return value is
// the batch's all-successful flag.
func (c *Coordinator) TerminateClientConnections(ctx context.Context) bool {
	targets := connectionsOfKind(c.ActiveConnections(ctx), KindOutgoingClient)
	terminated, total, _ := c.terminateClients(ctx, targets)
	c.invalidateCache()
	return terminated == total
}

func (c *Coordinator) terminateClients(ctx context.Context, targets []Connection) (terminated, total int, errs []string) {
	result := c.clients.TerminateAllWithDetails(ctx)

	failed := make(map[int32]bool, len(result.FailedPIDs))
	for _, pid := range result.FailedPIDs {
		failed[pid] = true
	}
	for _, conn := range targets {
		c.notifyTerminated(conn, !failed[conn.ProcessID])
	}

	return result.Succeeded, result.Total, result.Errors
}

// TerminateAllConnections terminates both categories and reports the
// boolean AND of the two passes. It is a legacy convenience; callers that
// need counts use TerminateAllConnectionsWithDetails.
func (c *Coordinator) TerminateAllConnections(ctx context.Context) bool {
	return c.TerminateAllConnectionsWithDetails(ctx).AllSuccessful()
}

// TerminateAllConnectionsWithDetails runs both termination passes and
// aggregates counts and errors. The categories are isolated: a panic in
// the session pass is recorded as an error and the client pass still
// runs, and vice versa.
func (c *Coordinator) TerminateAllConnectionsWithDetails(ctx context.Context) TerminationDetails {
	var details TerminationDetails
	snapshot := c.ActiveConnections(ctx)

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("session termination panic", "error", r)
				details.Errors = append(details.Errors, fmt.Sprintf("session termination panic: %v", r))
			}
		}()
		terminated, total, errs := c.terminateSessions(ctx, connectionsOfKind(snapshot, KindIncomingSession))
		details.SessionsTerminated = terminated
		details.SessionsTotal = total
		details.Errors = append(details.Errors, errs...)
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("client termination panic", "error", r)
				details.Errors = append(details.Errors, fmt.Sprintf("client termination panic: %v", r))
			}
		}()
		terminated, total, errs := c.terminateClients(ctx, connectionsOfKind(snapshot, KindOutgoingClient))
		details.ClientsTerminated = terminated
		details.ClientsTotal = total
		details.Errors = append(details.Errors, errs...)
	}()

	c.invalidateCache()

	log.Info("termination pass complete",
		"sessionsTerminated", details.SessionsTerminated,
		"sessionsTotal", details.SessionsTotal,
		"clientsTerminated", details.ClientsTerminated,
		"clientsTotal", details.ClientsTotal,
		"errors", len(details.Errors))

	return details
}

func (c *Coordinator) invalidateCache() {
	c.mu.Lock()
	c.cache.invalidate()
	c.mu.Unlock()
}

func (c *Coordinator) notifyDetected(conn Connection) {
	for _, obs := range c.snapshotObservers() {
		obs.ConnectionDetected(conn)
	}
}

func (c *Coordinator) notifyTerminated(conn Connection, success bool) {
	for _, obs := range c.snapshotObservers() {
		obs.ConnectionTerminated(conn, success)
	}
}

func (c *Coordinator) snapshotObservers() []Observer {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return append([]Observer(nil), c.observers...)
}

func copyConnections(conns []Connection) []Connection {
	return append([]Connection(nil), conns...)
}

func connectionsOfKind(conns []Connection, kind Kind) []Connection {
	var out []Connection
	for _, conn := range conns {
		if conn.Kind == kind {
			out = append(out, conn)
		}
	}
	return out
}
