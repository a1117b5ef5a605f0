package wsock

// Behavior is the per-connection application logic bound to a service path.
//
// A fresh Behavior is constructed by the service's factory for every session
// that upgrades at the path. All callbacks for one session are invoked from
// that session's read goroutine, so a Behavior needs no internal locking
// unless it shares state across sessions.
type Behavior interface {
	// OnOpen is invoked once the session enters the Open state and has
	// been registered with its host.
	OnOpen(s Session)

	// OnMessage is invoked for every complete data message, after
	// continuation reassembly. The data buffer is owned by the callee.
	OnMessage(s Session, op Opcode, data []byte)

	// OnClose is invoked exactly once when the session closes, with the
	// peer's status code and reason (StatusAbnormal on transport failure).
	OnClose(s Session, status CloseStatus, reason string)

	// OnError is invoked for transport and protocol errors. OnClose still
	// follows.
	OnError(s Session, err error)
}

// BehaviorFactory constructs the per-connection behavior for a service.
type BehaviorFactory func() Behavior

// -------------------------------------------------------------------------
// EchoBehavior
// -------------------------------------------------------------------------

// EchoBehavior echoes every received data message back to its sender.
type EchoBehavior struct{}

// NewEchoBehavior is a BehaviorFactory for EchoBehavior.
func NewEchoBehavior() Behavior { return EchoBehavior{} }

// OnOpen implements Behavior.
func (EchoBehavior) OnOpen(Session) {}

// OnMessage implements Behavior by echoing the message back unchanged.
func (EchoBehavior) OnMessage(s Session, op Opcode, data []byte) {
	// Send errors are discarded; Send does not report them to OnError.
	_ = s.Send(op, data)
}

// OnClose implements Behavior.
func (EchoBehavior) OnClose(Session, CloseStatus, string) {}

// OnError implements Behavior.
func (EchoBehavior) OnError(Session, error) {}
