//go:build windows

package rdsession

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// New creates a session probe backed by the WTS API.
func New(backoff time.Duration) Probe {
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &windowsProbe{backoff: backoff}
}

type windowsProbe struct {
	backoff time.Duration
}

var (
	modWtsapi32              = windows.NewLazySystemDLL("wtsapi32.dll")
	procWTSEnumerateSessions = modWtsapi32.NewProc("WTSEnumerateSessionsW")
	procWTSFreeMemory        = modWtsapi32.NewProc("WTSFreeMemory")
	procWTSQuerySessionInfo  = modWtsapi32.NewProc("WTSQuerySessionInformationW")
	procWTSLogoffSession     = modWtsapi32.NewProc("WTSLogoffSession")
	procWTSDisconnectSession = modWtsapi32.NewProc("WTSDisconnectSession")
)

const (
	wtsCurrentServerHandle = 0

	wtsUserName      = 5
	wtsClientName    = 10
	wtsClientAddress = 14
	wtsSessionInfo   = 24
)

type wtsSessionEntry struct {
	SessionID      uint32
	WinStationName *uint16
	State          uint32
}

type wtsClientAddr struct {
	AddressFamily uint32
	Address       [20]byte
}

// wtsInfo mirrors WTSINFOW. Only the timing fields are consumed.
type wtsInfo struct {
	State                   uint32
	SessionID               uint32
	IncomingBytes           uint32
	OutgoingBytes           uint32
	IncomingFrames          uint32
	OutgoingFrames          uint32
	IncomingCompressedBytes uint32
	OutgoingCompressedBytes uint32
	WinStationName          [32]uint16
	Domain                  [17]uint16
	UserName                [21]uint16
	ConnectTime             int64
	DisconnectTime          int64
	LastInputTime           int64
	LogonTime               int64
	CurrentTime             int64
}

// List enumerates remote sessions via WTSEnumerateSessions. Enumeration
// failures degrade to an empty result: detection must never block the
// network kill-switch.
func (p *windowsProbe) List() []Session {
	sessions, err := p.enumerate()
	if err != nil {
		log.Warn("session enumeration failed", "error", err)
		return nil
	}
	return sessions
}

// ListWithFallback tries the WTS API first and falls back to parsing
// "query session" output before degrading to empty.
func (p *windowsProbe) ListWithFallback() []Session {
	sessions, err := p.enumerate()
	if err == nil {
		return sessions
	}
	log.Warn("session enumeration failed, trying qwinsta", "error", err)

	out, execErr := exec.Command("qwinsta").Output()
	if execErr != nil {
		log.Warn("qwinsta fallback failed", "error", execErr)
		return nil
	}
	return filterRemote(parseSessionList(string(out)))
}

func (p *windowsProbe) enumerate() ([]Session, error) {
	var buf uintptr
	var count uint32

	r1, _, err := procWTSEnumerateSessions.Call(
		wtsCurrentServerHandle,
		0, // reserved
		1, // version
		uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&count)),
	)
	if r1 == 0 {
		return nil, fmt.Errorf("WTSEnumerateSessions: %w", err)
	}
	defer procWTSFreeMemory.Call(buf)

	var raw []Session
	size := unsafe.Sizeof(wtsSessionEntry{})

	for i := uint32(0); i < count; i++ {
		entry := (*wtsSessionEntry)(unsafe.Pointer(buf + uintptr(i)*size))

		s := Session{
			ID:          entry.SessionID,
			StationName: windows.UTF16PtrToString(entry.WinStationName),
			State:       wtsState(entry.State),
		}
		raw = append(raw, s)
	}

	sessions := filterRemote(raw)
	for i := range sessions {
		p.fillDetails(&sessions[i])
	}
	return sessions, nil
}

// fillDetails attaches best-effort metadata; query failures leave the
// fields empty.
func (p *windowsProbe) fillDetails(s *Session) {
	s.UserName = querySessionString(s.ID, wtsUserName)
	s.ClientName = querySessionString(s.ID, wtsClientName)
	s.ClientAddress = querySessionAddress(s.ID)
	s.ConnectedAt = querySessionConnectTime(s.ID)
}

// Logoff gracefully logs off a session, retrying with backoff. A session
// that no longer exists counts as success.
func (p *windowsProbe) Logoff(ctx context.Context, sessionID uint32, maxRetries int) bool {
	return p.terminate(ctx, sessionID, maxRetries, "logoff", procWTSLogoffSession)
}

// Disconnect detaches a session without ending it, the fallback when
// logoff fails or is inappropriate.
func (p *windowsProbe) Disconnect(ctx context.Context, sessionID uint32, maxRetries int) bool {
	return p.terminate(ctx, sessionID, maxRetries, "disconnect", procWTSDisconnectSession)
}

func (p *windowsProbe) terminate(ctx context.Context, sessionID uint32, maxRetries int, method string, proc *windows.LazyProc) bool {
	if sessionID == 0 {
		log.Warn("refusing to terminate console session", "method", method)
		return false
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			sleep(ctx, p.backoff)
		}

		r1, _, err := proc.Call(
			wtsCurrentServerHandle,
			uintptr(sessionID),
			1, // bWait
		)
		if r1 != 0 {
			log.Info("session terminated", "method", method, "sessionId", sessionID, "attempt", attempt)
			return true
		}

		if !sessionExists(sessionID) {
			log.Info("session already gone", "method", method, "sessionId", sessionID, "attempt", attempt)
			return true
		}

		log.Warn("session termination attempt failed",
			"method", method, "sessionId", sessionID, "attempt", attempt, "error", err)
	}

	return false
}

func sessionExists(sessionID uint32) bool {
	var buf uintptr
	var n uint32

	r1, _, _ := procWTSQuerySessionInfo.Call(
		wtsCurrentServerHandle,
		uintptr(sessionID),
		wtsUserName,
		uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&n)),
	)
	if r1 == 0 {
		return false
	}
	procWTSFreeMemory.Call(buf)
	return true
}

func querySessionString(sessionID uint32, infoClass uint32) string {
	var buf uintptr
	var n uint32

	r1, _, _ := procWTSQuerySessionInfo.Call(
		wtsCurrentServerHandle,
		uintptr(sessionID),
		uintptr(infoClass),
		uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&n)),
	)
	if r1 == 0 || buf == 0 {
		return ""
	}
	defer procWTSFreeMemory.Call(buf)

	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(buf)))
}

func querySessionAddress(sessionID uint32) string {
	var buf uintptr
	var n uint32

	r1, _, _ := procWTSQuerySessionInfo.Call(
		wtsCurrentServerHandle,
		uintptr(sessionID),
		wtsClientAddress,
		uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&n)),
	)
	if r1 == 0 || buf == 0 {
		return ""
	}
	defer procWTSFreeMemory.Call(buf)

	addr := (*wtsClientAddr)(unsafe.Pointer(buf))
	// The address is offset by two bytes within the buffer for AF_INET.
	if addr.AddressFamily == windows.AF_INET {
		return net.IPv4(addr.Address[2], addr.Address[3], addr.Address[4], addr.Address[5]).String()
	}
	return ""
}

func querySessionConnectTime(sessionID uint32) time.Time {
	var buf uintptr
	var n uint32

	r1, _, _ := procWTSQuerySessionInfo.Call(
		wtsCurrentServerHandle,
		uintptr(sessionID),
		wtsSessionInfo,
		uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&n)),
	)
	if r1 == 0 || buf == 0 || uintptr(n) < unsafe.Sizeof(wtsInfo{}) {
		return time.Time{}
	}
	defer procWTSFreeMemory.Call(buf)

	info := (*wtsInfo)(unsafe.Pointer(buf))
	return filetimeToTime(info.ConnectTime)
}

// filetimeToTime converts a Windows FILETIME (100ns intervals since
// 1601-01-01) to a time.Time. Zero stays zero.
func filetimeToTime(ft int64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	const epochDelta = 116444736000000000 // FILETIME units between 1601 and 1970
	return time.Unix(0, (ft-epochDelta)*100)
}

func wtsState(state uint32) State {
	switch state {
	case 0:
		return StateActive
	case 1:
		return StateConnected
	case 4:
		return StateDisconnected
	case 5:
		return StateIdle
	default:
		return StateUnknown
	}
}
