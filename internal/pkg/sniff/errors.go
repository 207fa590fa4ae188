package sniff

import "errors"

// Error kinds. Every error returned by the engine wraps exactly one of
// these, so callers can classify failures with errors.Is or Kind without
// matching message text.
var (
	// ErrBadInput means the packet itself was malformed (truncated
	// headers, length mismatch). The packet is rejected before any
	// session state is touched.
	ErrBadInput = errors.New("sniff: bad input")

	// ErrKeyUnavailable means no static, watch, or ephemeral key could
	// be resolved for the session. The session is tracked but never
	// decrypted.
	ErrKeyUnavailable = errors.New("sniff: key unavailable")

	// ErrAuthFailure means a record's authentication tag or MAC did not
	// verify. The record's plaintext is withheld.
	ErrAuthFailure = errors.New("sniff: record authentication failed")

	// ErrResourceExhausted means a memory bound was hit: the reassembly
	// held region overflowed or the session budget was exceeded with
	// recovery disabled.
	ErrResourceExhausted = errors.New("sniff: resource exhausted")

	// ErrProtocolViolation means the observed bytes are inconsistent
	// with the TLS state machine. The session degrades; other sessions
	// are unaffected.
	ErrProtocolViolation = errors.New("sniff: protocol violation")
)

// Narrow sentinels, each wrapping into one of the kinds above.
var (
	// ErrNoData is returned by decode calls that consumed the packet but
	// produced no application plaintext (handshake traffic, buffering,
	// non-TLS payloads). It is not a failure.
	ErrNoData = errors.New("sniff: no data")

	// ErrSessionDegraded marks packets for a session that can no longer
	// decrypt; the session is still tracked for statistics.
	ErrSessionDegraded = errors.New("sniff: session degraded")

	// ErrUnsupportedSuite marks a negotiated cipher suite the engine has
	// no decryption support for.
	ErrUnsupportedSuite = errors.New("sniff: unsupported cipher suite")

	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("sniff: engine closed")
)

// Kind is the coarse error taxonomy exposed to callers.
type Kind int

const (
	KindNone Kind = iota
	KindBadInput
	KindKeyUnavailable
	KindAuthFailure
	KindResourceExhausted
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBadInput:
		return "bad-input"
	case KindKeyUnavailable:
		return "key-unavailable"
	case KindAuthFailure:
		return "auth-failure"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindProtocolViolation:
		return "protocol-violation"
	}
	return "unknown"
}

// ErrorKind classifies any error returned by the engine. Errors that are
// not failures (ErrNoData) and unknown errors map to KindNone.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBadInput):
		return KindBadInput
	case errors.Is(err, ErrKeyUnavailable):
		return KindKeyUnavailable
	case errors.Is(err, ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrUnsupportedSuite):
		return KindProtocolViolation
	}
	return KindNone
}
