package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/emergency"
)

func TestNilRecorderRecordDoesNotPanic(t *testing.T) {
	var r *Recorder
	r.Record(EventConnectionDetected, "conn-1", map[string]any{"key": "value"})
}

func TestNilRecorderCloseDoesNotPanic(t *testing.T) {
	var r *Recorder
	if err := r.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
}

func TestNilRecorderDroppedCountReturnsNegOne(t *testing.T) {
	var r *Recorder
	if got := r.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestRecordWritesJSONLEntry(t *testing.T) {
	r := newTestRecorder(t)
	r.Record(EventAgentStart, "", map[string]any{"version": "1.0"})
	r.Close()

	entries := readEntries(t, r.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventType != EventAgentStart {
		t.Fatalf("eventType = %q, want %q", entries[0].EventType, EventAgentStart)
	}
	if entries[0].PrevHash != "genesis" {
		t.Fatalf("prevHash = %q, want genesis", entries[0].PrevHash)
	}
	if entries[0].EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
}

func TestHashChainLinking(t *testing.T) {
	r := newTestRecorder(t)
	r.Record(EventAgentStart, "", nil)
	r.Record(EventConnectionDetected, "conn-1", map[string]any{"kind": "incoming-session"})
	r.Record(EventConnectionTerminated, "conn-1", map[string]any{"success": true})
	r.Close()

	entries := readEntries(t, r.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry %d prevHash %q does not link to %q", i, entries[i].PrevHash, entries[i-1].EntryHash)
		}
	}
}

func TestRotationWritesSentinel(t *testing.T) {
	r := newTestRecorder(t)
	r.maxSize = 256 // force rotation after a couple of entries

	for i := 0; i < 20; i++ {
		r.Record(EventConnectionDetected, "conn-1", map[string]any{"n": i})
	}
	r.Close()

	entries := readEntries(t, r.filePath)
	if len(entries) == 0 {
		t.Fatal("rotated file is empty")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry after rotation = %q, want %q", entries[0].EventType, EventLogRotated)
	}

	backup := readEntries(t, r.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("backup file is empty")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatal("sentinel does not link to the last entry of the rotated file")
	}
}

func TestConnectionObserverRecordsLifecycle(t *testing.T) {
	r := newTestRecorder(t)
	obs := &ConnectionObserver{Recorder: r}

	conn := coordinator.Connection{
		ID:        "conn-1",
		Kind:      coordinator.KindIncomingSession,
		SessionID: 2,
		UserName:  "alice",
	}
	obs.ConnectionDetected(conn)
	obs.ConnectionTerminated(conn, true)
	r.Close()

	entries := readEntries(t, r.filePath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventType != EventConnectionDetected || entries[0].ConnectionID != "conn-1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].EventType != EventConnectionTerminated {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
	if entries[1].Details["success"] != true {
		t.Fatalf("terminated entry should carry the result: %+v", entries[1].Details)
	}
}

func TestEmergencyObserverRecordsResult(t *testing.T) {
	r := newTestRecorder(t)
	obs := &EmergencyObserver{Recorder: r}

	obs.EmergencyTriggered("emergency disconnect triggered")
	obs.EmergencyCompleted(emergency.Result{
		Success:             true,
		SessionsTerminated:  2,
		ClientsTerminated:   1,
		NetworkDisconnected: true,
		ExecutionTime:       150 * time.Millisecond,
	}, "done")
	r.Close()

	entries := readEntries(t, r.filePath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventType != EventEmergencyTriggered {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	details := entries[1].Details
	if details["sessionsTerminated"] != float64(2) || details["networkDisconnected"] != true {
		t.Fatalf("completed entry missing result fields: %+v", details)
	}
}

// --- helpers ---

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := &Recorder{
		filePath:   filepath.Join(t.TempDir(), "audit.jsonl"),
		maxSize:    50 * 1024 * 1024,
		maxBackups: 3,
		prevHash:   "genesis",
	}
	if err := r.openFile(); err != nil {
		t.Fatalf("openFile: %v", err)
	}
	return r
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
