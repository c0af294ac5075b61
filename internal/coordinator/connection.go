package coordinator

import (
	"time"

	"github.com/veilware/veil-agent/internal/rdsession"
)

// Kind distinguishes the two categories of remote access.
type Kind string

const (
	// KindIncomingSession is an RDP session terminating into this machine.
	KindIncomingSession Kind = "incoming-session"
	// KindOutgoingClient is a local RDP client connecting out.
	KindOutgoingClient Kind = "outgoing-client"
)

// Connection unifies a detected remote-access endpoint. Exactly one of
// SessionID and ProcessID is meaningful, matching Kind. Connections are
// built fresh on every detection cycle and never mutated; the ID is stable
// only within its cycle.
type Connection struct {
	ID            string          `json:"id" yaml:"id"`
	Kind          Kind            `json:"kind" yaml:"kind"`
	SessionID     uint32          `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	ProcessID     int32           `json:"processId,omitempty" yaml:"processId,omitempty"`
	UserName      string          `json:"userName,omitempty" yaml:"userName,omitempty"`
	ClientName    string          `json:"clientName,omitempty" yaml:"clientName,omitempty"`
	ClientAddress string          `json:"clientAddress,omitempty" yaml:"clientAddress,omitempty"`
	State         rdsession.State `json:"state" yaml:"state"`
	ConnectedAt   time.Time       `json:"connectedAt,omitempty" yaml:"connectedAt,omitempty"`
}

// Outcome is the per-connection result of one termination attempt chain.
type Outcome struct {
	Connection Connection
	Success    bool
	Method     string
	Error      string
}

// TerminationDetails aggregates a full termination pass over both
// categories.
type TerminationDetails struct {
	SessionsTerminated int
	SessionsTotal      int
	ClientsTerminated  int
	ClientsTotal       int
	Errors             []string
}

// AllSuccessful reports whether every targeted connection was terminated.
func (d TerminationDetails) AllSuccessful() bool {
	return len(d.Errors) == 0 &&
		d.SessionsTerminated == d.SessionsTotal &&
		d.ClientsTerminated == d.ClientsTotal
}
