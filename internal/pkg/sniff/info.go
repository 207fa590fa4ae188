package sniff

import (
	"github.com/google/uuid"
)

// SessionState is the coarse lifecycle a caller observes through
// SessionInfo.
type SessionState int

const (
	// StatePending means the handshake is still being tracked.
	StatePending SessionState = iota
	// StateNegotiated means the handshake completed with keys resolved;
	// the negotiated fields are valid.
	StateNegotiated
	// StateFailed means the session can no longer decrypt; FailureKind
	// says why.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateNegotiated:
		return "negotiated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// SessionInfo is the per-call session snapshot filled by
// DecodePacketInfo and passed to connection observers. Negotiated fields
// are meaningful only in StateNegotiated; FailureKind only in
// StateFailed.
type SessionInfo struct {
	State        SessionState
	ConnectionID uuid.UUID

	Version         uint16
	VersionName     string
	CipherSuite     uint16
	CipherSuiteName string
	ServerName      string
	KeySize         int
	Resumed         bool
	ClientAuth      bool

	FailureKind Kind
}

// fillInfo snapshots the session. Caller holds s.mu.
func (s *session) fillInfo(info *SessionInfo) {
	*info = SessionInfo{ConnectionID: s.id, ServerName: s.sni}
	switch s.phase {
	case PhaseDegraded:
		info.State = StateFailed
		info.FailureKind = ErrorKind(s.degradedErr)
	case PhaseKeysResolved, PhaseEstablished, PhaseClosed:
		info.State = StateNegotiated
	default:
		info.State = StatePending
		return
	}
	if s.suite != nil {
		info.CipherSuite = s.suite.ID
		info.CipherSuiteName = s.suite.Name
	}
	info.Version = s.version
	info.VersionName = VersionName(s.version)
	info.KeySize = s.keySize
	info.Resumed = s.resumed
	info.ClientAuth = s.clientAuth
}
