// Package eventfeed exposes a local WebSocket endpoint that streams
// detection and disconnect events to attached frontends: the tray UI and
// the hotkey collaborator subscribe here instead of polling the CLI. The
// feed is loopback-only by configuration default and strictly one-way.
package eventfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("eventfeed")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueSize  = 64
	maxMessageSize = 4 * 1024
)

// Event is one feed message.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Event types emitted on the feed.
const (
	TypeConnectionDetected   = "connection_detected"
	TypeConnectionTerminated = "connection_terminated"
	TypeEmergencyTriggered   = "emergency_triggered"
	TypeEmergencyCompleted   = "emergency_completed"
)

// Feed accepts WebSocket subscribers and fans events out to them. A
// subscriber that cannot keep up is dropped rather than allowed to stall
// the emergency path.
type Feed struct {
	addr     string
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*feedClient]bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// New creates a feed bound to addr.
func New(addr string) *Feed {
	return &Feed{
		addr: addr,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// The feed binds loopback; frontends connect without an
			// Origin header worth checking.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*feedClient]bool),
	}
}

// Start serves the feed until Stop is called. It blocks; run it in a
// goroutine.
func (f *Feed) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", f.handleSubscribe)

	f.server = &http.Server{Addr: f.addr, Handler: mux}

	log.Info("event feed listening", "addr", f.addr)
	err := f.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop disconnects all subscribers and shuts the listener down.
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	for c := range f.clients {
		c.close()
		delete(f.clients, c)
	}
	f.mu.Unlock()

	if f.server == nil {
		return nil
	}
	return f.server.Shutdown(ctx)
}

func (f *Feed) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("subscriber upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	f.mu.Lock()
	f.clients[c] = true
	count := len(f.clients)
	f.mu.Unlock()

	log.Info("subscriber attached", "remote", conn.RemoteAddr().String(), "subscribers", count)

	go c.writePump(func() { f.detach(c) })
	go c.readPump(func() { f.detach(c) })
}

func (f *Feed) detach(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		c.close()
	}
	f.mu.Unlock()
}

// Broadcast fans an event out to every subscriber. It never blocks: a
// full send queue drops the subscriber.
func (f *Feed) Broadcast(eventType string, payload any) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Error("event marshal failed", "error", err, "eventType", eventType)
		return
	}

	var slow []*feedClient

	f.mu.Lock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(f.clients, c)
		c.close()
	}
	f.mu.Unlock()

	if len(slow) > 0 {
		log.Warn("dropped slow subscribers", "count", len(slow))
	}
}

// SubscriberCount reports the number of attached subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (c *feedClient) close() {
	c.once.Do(func() {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.conn.Close()
		close(c.send)
	})
}

func (c *feedClient) writePump(detach func()) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer detach()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames. The feed is one-way; reading is only
// needed to process pongs and notice the peer going away.
func (c *feedClient) readPump(detach func()) {
	defer detach()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
