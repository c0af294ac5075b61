package eventfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/emergency"
)

func newTestFeed(t *testing.T) (*Feed, *httptest.Server) {
	t.Helper()

	f := New("127.0.0.1:0")
	srv := httptest.NewServer(http.HandlerFunc(f.handleSubscribe))
	t.Cleanup(srv.Close)
	return f, srv
}

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, f *Feed, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for f.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", f.SubscriberCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	f, srv := newTestFeed(t)
	conn := dialFeed(t, srv)
	waitForSubscribers(t, f, 1)

	f.Broadcast(TypeEmergencyTriggered, map[string]any{"message": "triggered"})

	ev := readEvent(t, conn)
	if ev.Type != TypeEmergencyTriggered {
		t.Fatalf("event type = %q, want %q", ev.Type, TypeEmergencyTriggered)
	}
	if ev.Timestamp == "" {
		t.Fatal("event should carry a timestamp")
	}
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	f, srv := newTestFeed(t)
	a := dialFeed(t, srv)
	b := dialFeed(t, srv)
	waitForSubscribers(t, f, 2)

	f.Broadcast(TypeConnectionDetected, map[string]any{"id": "conn-1"})

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		if ev.Type != TypeConnectionDetected {
			t.Fatalf("event type = %q, want %q", ev.Type, TypeConnectionDetected)
		}
	}
}

func TestObserverEventsFlowThroughFeed(t *testing.T) {
	f, srv := newTestFeed(t)
	conn := dialFeed(t, srv)
	waitForSubscribers(t, f, 1)

	f.ConnectionDetected(coordinator.Connection{ID: "conn-1", Kind: coordinator.KindIncomingSession})
	f.ConnectionTerminated(coordinator.Connection{ID: "conn-1"}, true)
	f.EmergencyCompleted(emergency.Result{Success: true}, "done")

	types := []string{}
	for i := 0; i < 3; i++ {
		types = append(types, readEvent(t, conn).Type)
	}
	want := []string{TypeConnectionDetected, TypeConnectionTerminated, TypeEmergencyCompleted}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event order = %v, want %v", types, want)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	f, srv := newTestFeed(t)
	conn := dialFeed(t, srv)

	// Attach a stalled subscriber by hand: no write pump drains its
	// queue, so broadcasts beyond the queue size must detach it instead
	// of blocking the broadcaster.
	stalled := &feedClient{conn: conn, send: make(chan []byte, 2)}
	f.mu.Lock()
	f.clients[stalled] = true
	f.mu.Unlock()

	for i := 0; i < 3; i++ {
		f.Broadcast(TypeConnectionDetected, map[string]any{"n": i})
	}

	f.mu.Lock()
	_, present := f.clients[stalled]
	f.mu.Unlock()
	if present {
		t.Fatal("stalled subscriber should have been dropped")
	}
}

func TestStopDisconnectsSubscribers(t *testing.T) {
	f, srv := newTestFeed(t)
	conn := dialFeed(t, srv)
	waitForSubscribers(t, f, 1)

	if err := f.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("subscriber should see the connection close")
	}
	if f.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d after stop, want 0", f.SubscriberCount())
	}
}
