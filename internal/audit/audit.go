// Package audit keeps a tamper-evident timeline of every detection and
// disconnect action. Entries are JSONL with a SHA-256 hash chain so that
// an after-the-fact reviewer can verify nothing was removed or reordered.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilware/veil-agent/internal/config"
	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("audit")

// Event types recorded in the timeline.
const (
	EventAgentStart           = "agent_start"
	EventAgentStop            = "agent_stop"
	EventConnectionDetected   = "connection_detected"
	EventConnectionTerminated = "connection_terminated"
	EventEmergencyTriggered   = "emergency_triggered"
	EventEmergencyCompleted   = "emergency_completed"
	EventNetworkDisabled      = "network_disabled"
	EventNetworkRestored      = "network_restored"
	EventConfigChange         = "config_change"
	EventLogRotated           = "log_rotated"
)

// criticalEvents are fsynced after writing. The emergency timeline must
// survive a machine that is about to lose its network and possibly its
// operator.
var criticalEvents = map[string]bool{
	EventEmergencyTriggered: true,
	EventEmergencyCompleted: true,
	EventNetworkDisabled:    true,
	EventAgentStart:         true,
	EventAgentStop:          true,
}

// Entry is a single timeline record.
type Entry struct {
	Timestamp    string         `json:"timestamp"`
	EventType    string         `json:"eventType"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PrevHash     string         `json:"prevHash"`
	EntryHash    string         `json:"entryHash"`
}

// Recorder writes the hash-chained JSONL timeline to
// {dataDir}/audit.jsonl, rotating by size with numbered backups. On
// rotation a sentinel entry opens the new file, its prevHash linking to
// the last entry of the old one.
type Recorder struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewRecorder creates a recorder under the agent data directory.
func NewRecorder(cfg *config.Config) (*Recorder, error) {
	dataDir := config.GetDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}

	maxSize := cfg.AuditMaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := cfg.AuditMaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	r := &Recorder{
		filePath:   filepath.Join(dataDir, "audit.jsonl"),
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   "genesis",
	}

	if err := r.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit recorder started", "path", r.filePath)
	return r, nil
}

// Record writes one timeline entry. The hash chain only advances after a
// successful write; a failed write leaves the next entry linking to the
// same prevHash. Safe to call on a nil receiver.
func (r *Recorder) Record(eventType, connectionID string, details map[string]any) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := Entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		EventType:    eventType,
		ConnectionID: connectionID,
		Details:      details,
		PrevHash:     r.prevHash,
	}

	hash, err := r.computeHash(entry)
	if err != nil {
		log.Error("audit entry hash failed", "error", err, "eventType", eventType)
		r.dropped.Add(1)
		return
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		log.Error("audit entry marshal failed", "error", err, "eventType", eventType)
		r.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	if r.written+int64(len(data)) > r.maxSize {
		if err := r.rotate(); err != nil {
			log.Error("audit rotation failed", "error", err)
			r.dropped.Add(1)
			return
		}
	}

	n, err := r.file.Write(data)
	if err != nil {
		log.Error("audit entry write failed", "error", err, "eventType", eventType)
		r.dropped.Add(1)
		return
	}
	r.written += int64(n)
	r.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := r.file.Sync(); err != nil {
			log.Error("audit fsync failed", "error", err, "eventType", eventType)
		}
	}
}

// Close flushes and closes the timeline file. Safe on a nil receiver.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// DroppedCount reports entries that failed to write, or -1 when the
// recorder was never initialized.
func (r *Recorder) DroppedCount() int64 {
	if r == nil {
		return -1
	}
	return r.dropped.Load()
}

// computeHash covers the chained fields, each length-prefixed so no field
// value can masquerade as a delimiter.
func (r *Recorder) computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.ConnectionID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (r *Recorder) openFile() error {
	f, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	r.file = f
	r.written = info.Size()
	return nil
}

func (r *Recorder) rotate() error {
	prevHashBeforeRotation := r.prevHash

	if r.file != nil {
		r.file.Close()
	}

	for i := r.maxBackups; i >= 2; i-- {
		src := r.backupName(i - 1)
		dst := r.backupName(i)
		if i == r.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: remove oldest backup failed", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: rename backup failed", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(r.filePath, r.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: rename current log failed", "error", err)
	}

	if err := r.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details: map[string]any{
			"previousFile": r.backupName(1),
		},
	}
	hash, err := r.computeHash(sentinel)
	if err != nil {
		log.Error("rotation sentinel hash failed, chain broken", "error", err)
		r.dropped.Add(1)
		r.prevHash = "chain-broken"
		return nil
	}
	sentinel.EntryHash = hash

	data, err := json.Marshal(sentinel)
	if err != nil {
		log.Error("rotation sentinel marshal failed, chain broken", "error", err)
		r.dropped.Add(1)
		r.prevHash = "chain-broken"
		return nil
	}
	data = append(data, '\n')

	n, writeErr := r.file.Write(data)
	if writeErr != nil {
		log.Error("rotation sentinel write failed, chain broken", "error", writeErr)
		r.dropped.Add(1)
		r.prevHash = "chain-broken"
		return nil
	}
	r.written += int64(n)
	r.prevHash = sentinel.EntryHash

	return nil
}

func (r *Recorder) backupName(index int) string {
	if index == 0 {
		return r.filePath
	}
	return fmt.Sprintf("%s.%d", r.filePath, index)
}
