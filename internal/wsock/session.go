package wsock

import (
	"io"
	"time"
)

// -------------------------------------------------------------------------
// Ready State — RFC 6455 Section 4 / WHATWG readyState
// -------------------------------------------------------------------------

// ReadyState is the connection state of a single session.
type ReadyState int32

const (
	// ReadyStateConnecting indicates the handshake has not completed.
	ReadyStateConnecting ReadyState = iota

	// ReadyStateOpen indicates the connection is established and data
	// frames may be exchanged.
	ReadyStateOpen

	// ReadyStateClosing indicates the closing handshake is in progress.
	ReadyStateClosing

	// ReadyStateClosed indicates the connection is closed.
	ReadyStateClosed
)

// String returns the human-readable name of the ready state.
func (rs ReadyState) String() string {
	switch rs {
	case ReadyStateConnecting:
		return "Connecting"
	case ReadyStateOpen:
		return "Open"
	case ReadyStateClosing:
		return "Closing"
	case ReadyStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Session — capability surface consumed by the registry
// -------------------------------------------------------------------------

// Session is one live WebSocket connection as seen by the session registry.
//
// The registry treats a session as capability-only: it can send, ping with
// pong correlation, close, and report its identity and ready state. The
// concrete implementation is Conn; tests substitute fakes.
type Session interface {
	// ID returns the opaque session identifier.
	ID() string

	// ReadyState returns the current connection state.
	ReadyState() ReadyState

	// Send transmits a single data message with the given opcode.
	Send(op Opcode, data []byte) error

	// SendStream transmits a data message read from src, fragmenting at
	// the session's fragment size. The source is consumed exactly once.
	SendStream(op Opcode, src io.Reader) error

	// Ping writes the pre-serialized ping frame and reports whether the
	// matching pong arrived within the timeout.
	Ping(frame []byte, timeout time.Duration) bool

	// Close performs the closing handshake. The pre-serialized close
	// frame is sent when non-nil; the session then waits up to the
	// timeout for the peer's close before releasing the transport.
	Close(frame []byte, timeout time.Duration) error
}
