package eventfeed

import (
	"github.com/veilware/veil-agent/internal/coordinator"
	"github.com/veilware/veil-agent/internal/emergency"
)

var (
	_ coordinator.Observer = (*Feed)(nil)
	_ emergency.Observer   = (*Feed)(nil)
)

// ConnectionDetected implements coordinator.Observer.
func (f *Feed) ConnectionDetected(conn coordinator.Connection) {
	f.Broadcast(TypeConnectionDetected, conn)
}

// ConnectionTerminated implements coordinator.Observer.
func (f *Feed) ConnectionTerminated(conn coordinator.Connection, success bool) {
	f.Broadcast(TypeConnectionTerminated, map[string]any{
		"connection": conn,
		"success":    success,
	})
}

// EmergencyTriggered implements emergency.Observer.
func (f *Feed) EmergencyTriggered(message string) {
	f.Broadcast(TypeEmergencyTriggered, map[string]any{
		"message": message,
	})
}

// EmergencyCompleted implements emergency.Observer.
func (f *Feed) EmergencyCompleted(result emergency.Result, message string) {
	f.Broadcast(TypeEmergencyCompleted, map[string]any{
		"result":  result,
		"message": message,
	})
}
