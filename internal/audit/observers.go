package audit

import (
	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/emergency"
)

// ConnectionObserver mirrors coordinator lifecycle events into the
// timeline.
type ConnectionObserver struct {
	Recorder *Recorder
}

var _ coordinator.Observer = (*ConnectionObserver)(nil)

func (o *ConnectionObserver) ConnectionDetected(conn coordinator.Connection) {
	o.Recorder.Record(EventConnectionDetected, conn.ID, map[string]any{
		"kind":          string(conn.Kind),
		"sessionId":     conn.SessionID,
		"processId":     conn.ProcessID,
		"userName":      conn.UserName,
		"clientName":    conn.ClientName,
		"clientAddress": conn.ClientAddress,
	})
}

func (o *ConnectionObserver) ConnectionTerminated(conn coordinator.Connection, success bool) {
	o.Recorder.Record(EventConnectionTerminated, conn.ID, map[string]any{
		"kind":    string(conn.Kind),
		"success": success,
	})
}

// EmergencyObserver mirrors orchestration events into the timeline.
type EmergencyObserver struct {
	Recorder *Recorder
}

var _ emergency.Observer = (*EmergencyObserver)(nil)

func (o *EmergencyObserver) EmergencyTriggered(message string) {
	o.Recorder.Record(EventEmergencyTriggered, "", map[string]any{
		"message": message,
	})
}

func (o *EmergencyObserver) EmergencyCompleted(result emergency.Result, message string) {
	o.Recorder.Record(EventEmergencyCompleted, "", map[string]any{
		"success":             result.Success,
		"sessionsTerminated":  result.SessionsTerminated,
		"clientsTerminated":   result.ClientsTerminated,
		"networkDisconnected": result.NetworkDisconnected,
		"executionMs":         result.ExecutionTime.Milliseconds(),
		"errors":              result.Errors,
		"message":             message,
	})
}
