package wsock

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Registry Errors
// -------------------------------------------------------------------------

// Sentinel errors for registry mutation.
var (
	// ErrRegistryNotStarted indicates an Add on a registry that is not
	// in the Start state.
	ErrRegistryNotStarted = errors.New("session registry is not started")

	// ErrDuplicateSessionID indicates an Add with an ID already present.
	ErrDuplicateSessionID = errors.New("duplicate session ID")

	// ErrNilSession indicates an Add with a nil session.
	ErrNilSession = errors.New("session must not be nil")
)

// -------------------------------------------------------------------------
// SessionRegistry — per-host session table and fan-out
// -------------------------------------------------------------------------

// SessionRegistry is the concurrency-safe session table owned by one
// service host. It performs the per-session halves of broadcast, broadping,
// shutdown, and the keep-clean sweep. Its lifecycle state mirrors its
// host's.
type SessionRegistry struct {
	path string

	mu       sync.RWMutex
	sessions map[string]Session

	life    lifecycle
	logger  *slog.Logger
	metrics MetricsReporter
}

// newSessionRegistry creates the registry for the host at path.
func newSessionRegistry(path string, logger *slog.Logger, metrics MetricsReporter) *SessionRegistry {
	return &SessionRegistry{
		path:     path,
		sessions: make(map[string]Session),
		logger: logger.With(
			slog.String("component", "wsock.registry"),
			slog.String("path", path),
		),
		metrics: metrics,
	}
}

// State returns the registry's lifecycle state.
func (r *SessionRegistry) State() State { return r.life.State() }

// start moves the registry to Start. Called by the owning host.
func (r *SessionRegistry) start() { r.life.advance(StateStart) }

// -------------------------------------------------------------------------
// Session Table
// -------------------------------------------------------------------------

// Add registers a session. The registry must be in Start; the upgrade
// acceptor calls Add after routing a connection to its host.
func (r *SessionRegistry) Add(sess Session) error {
	if sess == nil {
		return fmt.Errorf("add session on %s: %w", r.path, ErrNilSession)
	}
	if r.life.State() != StateStart {
		return fmt.Errorf("add session %s on %s: %w", sess.ID(), r.path, ErrRegistryNotStarted)
	}

	r.mu.Lock()
	if _, dup := r.sessions[sess.ID()]; dup {
		r.mu.Unlock()
		return fmt.Errorf("add session %s on %s: %w", sess.ID(), r.path, ErrDuplicateSessionID)
	}
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()

	r.metrics.RegisterSession(r.path)
	r.logger.Debug("session added", slog.String("session_id", sess.ID()))

	return nil
}

// Remove deregisters the session with the given ID. It returns false when
// the ID is absent. Sessions deregister themselves through their OnClosed
// hook.
func (r *SessionRegistry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		r.metrics.UnregisterSession(r.path)
		r.logger.Debug("session removed", slog.String("session_id", id))
	}

	return ok
}

// Get returns the session with the given ID.
func (r *SessionRegistry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// IDs returns a snapshot of the registered session IDs. Order is not
// specified.
func (r *SessionRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// snapshot copies the current session set into a slice, so in-flight
// fan-outs are unaffected by later table mutations.
func (r *SessionRegistry) snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// -------------------------------------------------------------------------
// Broadcast Fan-Out
// -------------------------------------------------------------------------

// Broadcast sends one data message to every session in the snapshot, in
// parallel, and reports the conjunction of the per-session results.
// Sessions leaving mid-broadcast surface as a failed send, reported false.
func (r *SessionRegistry) Broadcast(op Opcode, data []byte) bool {
	if r.life.State() != StateStart {
		return false
	}

	sessions := r.snapshot()

	ok := atomic.Bool{}
	ok.Store(true)

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Send(op, data); err != nil {
				r.logger.Debug("broadcast send failed",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()),
				)
				ok.Store(false)
				return
			}
			r.metrics.IncMessagesSent(r.path)
		}()
	}
	wg.Wait()

	return ok.Load()
}

// BroadcastStream sends one data message through each session's streaming
// path. The shared buffer is materialized once by the caller; every session
// consumes an independent reader over it, so the peer-side codec fragments
// the message.
func (r *SessionRegistry) BroadcastStream(op Opcode, data []byte) bool {
	if r.life.State() != StateStart {
		return false
	}

	sessions := r.snapshot()

	ok := atomic.Bool{}
	ok.Store(true)

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.SendStream(op, bytes.NewReader(data)); err != nil {
				r.logger.Debug("broadcast stream failed",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()),
				)
				ok.Store(false)
				return
			}
			r.metrics.IncMessagesSent(r.path)
		}()
	}
	wg.Wait()

	return ok.Load()
}

// Broadping sends the pre-serialized ping frame to every Open session and
// records, per session ID, whether the matching pong arrived within the
// timeout. Sessions not Open at dispatch are recorded false without a
// frame being sent. The result domain is the session-ID set sampled at
// call time.
func (r *SessionRegistry) Broadping(frame []byte, timeout time.Duration) map[string]bool {
	results := make(map[string]bool)
	if r.life.State() != StateStart {
		return results
	}

	sessions := r.snapshot()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()

			received := false
			if sess.ReadyState() == ReadyStateOpen {
				r.metrics.IncPingsSent(r.path)
				received = sess.Ping(frame, timeout)
			}
			if !received {
				r.metrics.IncPongsMissed(r.path)
			}

			mu.Lock()
			results[sess.ID()] = received
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// -------------------------------------------------------------------------
// Shutdown & Sweep
// -------------------------------------------------------------------------

// Stop marks the registry shutting down, closes every session in parallel
// (sending closeFrame when non-nil and draining up to timeout), clears the
// table, and settles in Stop.
func (r *SessionRegistry) Stop(closeFrame []byte, timeout time.Duration) {
	if !r.life.advance(StateShuttingDown) {
		return
	}

	sessions := r.snapshot()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Close(closeFrame, timeout); err != nil {
				r.logger.Debug("session close failed",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	remaining := len(r.sessions)
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	for i := 0; i < remaining; i++ {
		r.metrics.UnregisterSession(r.path)
	}

	r.life.advance(StateStop)
	r.logger.Info("registry stopped", slog.Int("sessions_closed", len(sessions)))
}

// Sweep pings every session and closes, with status 1001, those that are
// not Open or fail to pong within the timeout. The keep-clean sweeper on
// the owning host drives this on its wait-time interval.
func (r *SessionRegistry) Sweep(timeout time.Duration) {
	if r.life.State() != StateStart {
		return
	}

	closeFrame := NewCloseFrame(StatusAway, "idle session").Marshal()

	var wg sync.WaitGroup
	for _, sess := range r.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if sess.ReadyState() == ReadyStateOpen && sess.Ping(EmptyUnmaskedPing, timeout) {
				return
			}

			r.logger.Debug("sweeping unresponsive session",
				slog.String("session_id", sess.ID()),
			)
			if err := sess.Close(closeFrame, timeout); err != nil {
				r.logger.Debug("sweep close failed",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()),
				)
			}
			r.Remove(sess.ID())
		}()
	}
	wg.Wait()
}
