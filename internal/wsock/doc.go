// Package wsock implements the WebSocket service core (RFC 6455).
//
// This includes the service manager, per-path service hosts, the session
// registry with broadcast and broadping fan-out, the frame codec, and the
// server-side connection.
package wsock
