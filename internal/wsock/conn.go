package wsock

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// -------------------------------------------------------------------------
// Conn Errors
// -------------------------------------------------------------------------

// Sentinel errors for session operations.
var (
	// ErrSessionNotOpen indicates a send on a session that is not in the
	// Open state.
	ErrSessionNotOpen = errors.New("session is not open")

	// ErrNilBehavior indicates a Conn was configured without a behavior.
	ErrNilBehavior = errors.New("behavior must not be nil")

	// ErrEmptySessionID indicates a Conn was configured without an ID.
	ErrEmptySessionID = errors.New("session ID must not be empty")
)

// defaultFragmentSize is the payload size above which outbound messages are
// fragmented. A 1016-byte fragment plus the 8-byte header of a masked frame
// of that size (2 base, 2 extended length, 4 mask) fills exactly one kilobyte.
const defaultFragmentSize = 1016

// defaultReadLimit bounds the reassembled inbound message size.
const defaultReadLimit = 16 << 20 // 16 MiB

// -------------------------------------------------------------------------
// ConnConfig
// -------------------------------------------------------------------------

// ConnConfig contains the parameters needed to create a server-side session.
type ConnConfig struct {
	// ID is the opaque session identifier assigned by the acceptor.
	ID string

	// Behavior receives the session's application callbacks.
	Behavior Behavior

	// FragmentSize is the payload threshold above which outbound messages
	// are fragmented. Zero selects the default.
	FragmentSize int

	// ReadLimit bounds the reassembled inbound message size in bytes.
	// Zero selects the default.
	ReadLimit int64

	// WriteTimeout is the per-frame write deadline. Zero disables it.
	WriteTimeout time.Duration

	// OnClosed, when non-nil, is invoked exactly once after the session
	// reaches Closed and the transport is released. The registry uses it
	// to deregister the session.
	OnClosed func(id string)
}

// -------------------------------------------------------------------------
// Conn — server-side session over a hijacked transport
// -------------------------------------------------------------------------

// Conn is a live server-side WebSocket session over a net.Conn. It owns the
// read loop, serializes frame writes, correlates pings with pongs, and
// drives the closing handshake. Conn implements Session.
type Conn struct {
	id       string
	netConn  net.Conn
	br       *bufio.Reader
	behavior Behavior
	logger   *slog.Logger

	fragmentSize int
	readLimit    int64
	writeTimeout time.Duration
	onClosed     func(id string)

	// writeMu serializes whole messages, so fragments of concurrent
	// sends never interleave.
	writeMu sync.Mutex

	state atomic.Int32 // ReadyState

	// pingMu admits one outstanding ping at a time; pongCh receives a
	// signal from the read loop when any pong arrives.
	pingMu sync.Mutex
	pongCh chan struct{}

	// loopDone is closed when the read loop exits. Close waits on it for
	// the peer's half of the closing handshake.
	loopDone chan struct{}

	// closeSent records that our close frame is already on the wire, so
	// the read loop does not echo another one.
	closeSent atomic.Bool

	teardownOnce sync.Once
}

// NewConn creates a server-side session over an established, upgraded
// transport. The caller starts the read loop with Run once the session has
// been registered with its host.
func NewConn(nc net.Conn, cfg ConnConfig, logger *slog.Logger) (*Conn, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("new conn: %w", ErrEmptySessionID)
	}
	if cfg.Behavior == nil {
		return nil, fmt.Errorf("new conn %s: %w", cfg.ID, ErrNilBehavior)
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = defaultFragmentSize
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	return &Conn{
		id:           cfg.ID,
		netConn:      nc,
		br:           bufio.NewReader(nc),
		behavior:     cfg.Behavior,
		logger: logger.With(
			slog.String("component", "wsock.conn"),
			slog.String("session_id", cfg.ID),
		),
		fragmentSize: cfg.FragmentSize,
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
		onClosed:     cfg.OnClosed,
		pongCh:       make(chan struct{}, 1),
		loopDone:     make(chan struct{}),
	}, nil
}

// ID returns the opaque session identifier.
func (c *Conn) ID() string { return c.id }

// ReadyState returns the current connection state.
func (c *Conn) ReadyState() ReadyState { return ReadyState(c.state.Load()) }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// -------------------------------------------------------------------------
// Send Path
// -------------------------------------------------------------------------

// Send transmits one data message. Payloads at most the fragment size go
// out as a single frame; larger payloads are fragmented.
func (c *Conn) Send(op Opcode, data []byte) error {
	if c.ReadyState() != ReadyStateOpen {
		return fmt.Errorf("send on session %s: %w", c.id, ErrSessionNotOpen)
	}

	if len(data) <= c.fragmentSize {
		return c.writeFrame(&Frame{Fin: true, Opcode: op, Payload: data})
	}

	return c.SendStream(op, bytes.NewReader(data))
}

// SendStream transmits one data message read from src, emitting an initial
// frame carrying the opcode followed by continuation frames, with FIN set
// on the last (RFC 6455 Section 5.4). The source is consumed exactly once.
func (c *Conn) SendStream(op Opcode, src io.Reader) error {
	if c.ReadyState() != ReadyStateOpen {
		return fmt.Errorf("send stream on session %s: %w", c.id, ErrSessionNotOpen)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, c.fragmentSize)
	first := true

	for {
		n, rerr := io.ReadFull(src, buf)
		switch {
		case rerr == nil:
			// A full read does not reveal EOF; send unfinished and let
			// the next iteration terminate the message. A source that
			// ends on a fragment boundary finishes with an empty FIN
			// continuation, which RFC 6455 permits.
			f := &Frame{Opcode: opcodeFor(first, op), Payload: buf[:n]}
			first = false
			if err := c.writeFrameLocked(f); err != nil {
				return err
			}
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			f := &Frame{Fin: true, Opcode: opcodeFor(first, op), Payload: buf[:n]}
			return c.writeFrameLocked(f)
		default:
			return fmt.Errorf("send stream on session %s: read source: %w", c.id, rerr)
		}
	}
}

// opcodeFor selects the data opcode for the first fragment and Cont for
// the rest.
func opcodeFor(first bool, op Opcode) Opcode {
	if first {
		return op
	}
	return OpcodeCont
}

// writeFrame serializes and writes a single frame under the write lock.
func (c *Conn) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(f)
}

// writeFrameLocked writes a frame. Callers hold writeMu.
func (c *Conn) writeFrameLocked(f *Frame) error {
	return c.writeRawLocked(f.Marshal())
}

// writeRaw writes pre-serialized frame bytes under the write lock.
func (c *Conn) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeRawLocked(b)
}

// writeRawLocked writes bytes to the transport. Callers hold writeMu.
func (c *Conn) writeRawLocked(b []byte) error {
	if c.writeTimeout > 0 {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("session %s: set write deadline: %w", c.id, err)
		}
	}
	if _, err := c.netConn.Write(b); err != nil {
		return fmt.Errorf("session %s: write: %w", c.id, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Ping / Pong Correlation
// -------------------------------------------------------------------------

// Ping writes the pre-serialized ping frame and waits up to timeout for a
// pong from the peer. One ping is outstanding at a time; concurrent pings
// queue on the ping lock. Sessions not in Open report false immediately.
func (c *Conn) Ping(frame []byte, timeout time.Duration) bool {
	if c.ReadyState() != ReadyStateOpen {
		return false
	}

	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	// Drain a pong left over from an earlier, timed-out ping.
	select {
	case <-c.pongCh:
	default:
	}

	if err := c.writeRaw(frame); err != nil {
		c.logger.Debug("ping write failed", slog.String("error", err.Error()))
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.pongCh:
		return true
	case <-c.loopDone:
		return false
	case <-timer.C:
		return false
	}
}

// -------------------------------------------------------------------------
// Close Handshake
// -------------------------------------------------------------------------

// Close performs the closing handshake. When frame is non-nil it is sent
// as our close; the session then waits up to timeout for the read loop to
// observe the peer's close (or EOF) before releasing the transport. A zero
// timeout drops the connection immediately after the close frame is sent.
func (c *Conn) Close(frame []byte, timeout time.Duration) error {
	switch c.ReadyState() {
	case ReadyStateClosed:
		return nil
	case ReadyStateClosing:
		// Another closer is already driving the handshake; wait for it.
		c.awaitLoop(timeout)
		return nil
	}

	c.state.Store(int32(ReadyStateClosing))

	var werr error
	if frame != nil && c.closeSent.CompareAndSwap(false, true) {
		werr = c.writeRaw(frame)
	}

	c.awaitLoop(timeout)
	c.teardown(StatusNormalClosure, "")

	return werr
}

// awaitLoop waits up to timeout for the read loop to exit. A zero or
// negative timeout returns immediately.
func (c *Conn) awaitLoop(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.loopDone:
	case <-timer.C:
	}
}

// teardown releases the transport and fires OnClose exactly once.
func (c *Conn) teardown(status CloseStatus, reason string) {
	c.teardownOnce.Do(func() {
		c.state.Store(int32(ReadyStateClosed))
		if err := c.netConn.Close(); err != nil {
			c.logger.Debug("transport close failed", slog.String("error", err.Error()))
		}
		if c.onClosed != nil {
			c.onClosed(c.id)
		}
		c.behavior.OnClose(c, status, reason)
		c.logger.Debug("session closed",
			slog.Uint64("status", uint64(status)),
			slog.String("reason", reason),
		)
	})
}

// -------------------------------------------------------------------------
// Read Loop
// -------------------------------------------------------------------------

// Run marks the session Open, fires OnOpen, and runs the read loop until
// the connection closes. It blocks; callers run it on its own goroutine.
func (c *Conn) Run() {
	c.state.Store(int32(ReadyStateOpen))
	c.behavior.OnOpen(c)

	status, reason := c.readLoop()
	close(c.loopDone)
	c.teardown(status, reason)
}

// readLoop reads and dispatches frames until the peer closes, a protocol
// violation occurs, or the transport fails. It returns the close status
// and reason to report to the behavior.
func (c *Conn) readLoop() (CloseStatus, string) {
	var (
		msgOp  Opcode
		msgBuf []byte
		inMsg  bool
	)

	for {
		f, err := ReadFrame(c.br, c.readLimit)
		if err != nil {
			return c.readFailed(err)
		}

		// RFC 6455 Section 5.1: client frames must be masked.
		if !f.Masked {
			c.failConnection(StatusProtocolError, "unmasked frame")
			return StatusProtocolError, "unmasked frame"
		}

		switch f.Opcode {
		case OpcodeText, OpcodeBinary:
			if inMsg {
				c.failConnection(StatusProtocolError, "new data frame inside fragmented message")
				return StatusProtocolError, "interleaved message"
			}
			if f.Fin {
				if done, st, rsn := c.dispatchMessage(f.Opcode, f.Payload); done {
					return st, rsn
				}
				continue
			}
			inMsg = true
			msgOp = f.Opcode
			msgBuf = append([]byte(nil), f.Payload...)

		case OpcodeCont:
			if !inMsg {
				c.failConnection(StatusProtocolError, "continuation without initial frame")
				return StatusProtocolError, "stray continuation"
			}
			msgBuf = append(msgBuf, f.Payload...)
			if int64(len(msgBuf)) > c.readLimit {
				c.failConnection(StatusTooBig, "message exceeds read limit")
				return StatusTooBig, "message too big"
			}
			if f.Fin {
				inMsg = false
				if done, st, rsn := c.dispatchMessage(msgOp, msgBuf); done {
					return st, rsn
				}
				msgBuf = nil
			}

		case OpcodePing:
			if err := c.writeFrame(NewPongFrame(f.Payload)); err != nil {
				c.behavior.OnError(c, err)
				return StatusAbnormal, "pong write failed"
			}

		case OpcodePong:
			select {
			case c.pongCh <- struct{}{}:
			default:
			}

		case OpcodeClose:
			return c.peerClosed(f)
		}
	}
}

// dispatchMessage validates and delivers one reassembled data message.
// It returns done=true when the connection must terminate.
func (c *Conn) dispatchMessage(op Opcode, data []byte) (bool, CloseStatus, string) {
	if op == OpcodeText && !utf8.Valid(data) {
		c.failConnection(StatusInvalidPayload, "invalid UTF-8 in text message")
		return true, StatusInvalidPayload, "invalid UTF-8"
	}
	c.behavior.OnMessage(c, op, data)
	return false, 0, ""
}

// readFailed maps a frame read error to the close status reported to the
// behavior, sending a close frame for protocol violations.
func (c *Conn) readFailed(err error) (CloseStatus, string) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		// Peer dropped the transport without a close frame, or our own
		// closer released it.
		return StatusAbnormal, ""
	case errors.Is(err, ErrPayloadTooLong):
		c.behavior.OnError(c, err)
		c.failConnection(StatusTooBig, "frame exceeds read limit")
		return StatusTooBig, "frame too big"
	case errors.Is(err, ErrInvalidOpcode),
		errors.Is(err, ErrReservedBitsSet),
		errors.Is(err, ErrFragmentedControl),
		errors.Is(err, ErrControlTooLong):
		c.behavior.OnError(c, err)
		c.failConnection(StatusProtocolError, "protocol violation")
		return StatusProtocolError, err.Error()
	default:
		c.behavior.OnError(c, err)
		return StatusAbnormal, err.Error()
	}
}

// peerClosed handles the peer's close frame: echo a close if ours is not
// already on the wire, then report the peer's status.
func (c *Conn) peerClosed(f *Frame) (CloseStatus, string) {
	status, reason, err := ParseClosePayload(f.Payload)
	if err != nil {
		status, reason = StatusProtocolError, "malformed close payload"
	}

	c.state.Store(int32(ReadyStateClosing))

	if c.closeSent.CompareAndSwap(false, true) {
		echo := status
		if !echo.sendable() {
			echo = StatusNormalClosure
		}
		if werr := c.writeFrame(NewCloseFrame(echo, "")); werr != nil {
			c.logger.Debug("close echo failed", slog.String("error", werr.Error()))
		}
	}

	return status, reason
}

// failConnection sends a close frame with the given status and releases
// the transport (RFC 6455 Section 7.1.7, "Fail the WebSocket Connection").
func (c *Conn) failConnection(status CloseStatus, reason string) {
	c.state.Store(int32(ReadyStateClosing))
	if c.closeSent.CompareAndSwap(false, true) {
		if err := c.writeFrame(NewCloseFrame(status, reason)); err != nil {
			c.logger.Debug("close write failed", slog.String("error", err.Error()))
		}
	}
}
