package wsock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Host Errors
// -------------------------------------------------------------------------

// Sentinel errors for host construction.
var (
	// ErrNilBehaviorFactory indicates a host was configured without a
	// behavior factory.
	ErrNilBehaviorFactory = errors.New("behavior factory must not be nil")
)

// -------------------------------------------------------------------------
// ServiceHost — one endpoint path
// -------------------------------------------------------------------------

// ServiceHost binds a behavior factory to one normalized service path and
// owns every session that upgraded there. Its lifecycle state never exceeds
// its manager's in the enum order.
type ServiceHost struct {
	path      string
	factory   BehaviorFactory
	keepClean bool

	// fragmentSize is inherited from the manager and immutable.
	fragmentSize int

	// waitTime mirrors the manager's; stored as nanoseconds for lock-free
	// hot-path reads by broadping and the sweeper.
	waitTime atomic.Int64

	life     lifecycle
	sessions *SessionRegistry
	logger   *slog.Logger

	// sweepStop terminates the keep-clean sweeper; sweepWG waits for it
	// to drain during stop.
	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// newServiceHost constructs a host for the given normalized path. Hosts
// are created by Manager.Add; the manager propagates its fragment size,
// keep-clean flag, and wait time.
func newServiceHost(
	path string,
	factory BehaviorFactory,
	fragmentSize int,
	keepClean bool,
	waitTime time.Duration,
	logger *slog.Logger,
	metrics MetricsReporter,
) (*ServiceHost, error) {
	if factory == nil {
		return nil, fmt.Errorf("new host %s: %w", path, ErrNilBehaviorFactory)
	}

	h := &ServiceHost{
		path:         path,
		factory:      factory,
		keepClean:    keepClean,
		fragmentSize: fragmentSize,
		logger: logger.With(
			slog.String("component", "wsock.host"),
			slog.String("path", path),
		),
		sweepStop: make(chan struct{}),
	}
	h.waitTime.Store(int64(waitTime))
	h.sessions = newSessionRegistry(path, logger, metrics)

	return h, nil
}

// Path returns the host's normalized service path.
func (h *ServiceHost) Path() string { return h.path }

// State returns the host's lifecycle state.
func (h *ServiceHost) State() State { return h.life.State() }

// FragmentSize returns the buffer/stream threshold inherited from the
// manager.
func (h *ServiceHost) FragmentSize() int { return h.fragmentSize }

// KeepClean reports whether the idle sweeper is enabled for this host.
func (h *ServiceHost) KeepClean() bool { return h.keepClean }

// WaitTime returns the host's current wait time.
func (h *ServiceHost) WaitTime() time.Duration {
	return time.Duration(h.waitTime.Load())
}

// setWaitTime updates the host's wait time. Only the manager writes it,
// after validating and updating its own copy first.
func (h *ServiceHost) setWaitTime(d time.Duration) {
	h.waitTime.Store(int64(d))
}

// Sessions returns the host's session registry.
func (h *ServiceHost) Sessions() *SessionRegistry { return h.sessions }

// SessionCount returns the number of live sessions on this host.
func (h *ServiceHost) SessionCount() int { return h.sessions.Count() }

// NewBehavior constructs a fresh per-connection behavior from the host's
// factory. The upgrade acceptor calls it once per accepted session.
func (h *ServiceHost) NewBehavior() Behavior { return h.factory() }

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// start moves the host and its registry to Start and, when keep-clean is
// enabled, launches the idle sweeper. Called by the manager; starting is
// idempotent.
func (h *ServiceHost) start() {
	if !h.life.advance(StateStart) {
		return
	}
	h.sessions.start()

	if h.keepClean {
		h.sweepWG.Add(1)
		go h.runSweeper()
	}

	h.logger.Info("service started")
}

// stop shuts the host down: the sweeper is drained, every session receives
// closeFrame (when non-nil) with the given drain timeout, and the host
// settles in Stop. Called by the manager on Remove and Stop.
func (h *ServiceHost) stop(closeFrame []byte, timeout time.Duration) {
	if !h.life.advance(StateShuttingDown) {
		return
	}

	close(h.sweepStop)
	h.sweepWG.Wait()

	h.sessions.Stop(closeFrame, timeout)

	h.life.advance(StateStop)
	h.logger.Info("service stopped")
}

// runSweeper closes sessions with no heartbeat reply, on the wait-time
// interval. The interval is re-read every tick so wait-time propagation
// from the manager takes effect without restarting the sweeper.
func (h *ServiceHost) runSweeper() {
	defer h.sweepWG.Done()

	for {
		timer := time.NewTimer(h.WaitTime())
		select {
		case <-h.sweepStop:
			timer.Stop()
			return
		case <-timer.C:
			h.sessions.Sweep(h.WaitTime())
		}
	}
}

// -------------------------------------------------------------------------
// Per-Host Fan-Out — application-facing surface
// -------------------------------------------------------------------------

// Broadcast sends data to every session of this host. The buffer/stream
// decision follows the manager's fragment-size rule.
func (h *ServiceHost) Broadcast(op Opcode, data []byte) bool {
	if h.life.State() != StateStart || data == nil {
		return false
	}
	if len(data) <= h.fragmentSize {
		return h.sessions.Broadcast(op, data)
	}
	return h.sessions.BroadcastStream(op, data)
}

// Broadping pings every session of this host with an empty payload and
// the host's wait time.
func (h *ServiceHost) Broadping() map[string]bool {
	if h.life.State() != StateStart {
		return map[string]bool{}
	}
	return h.sessions.Broadping(EmptyUnmaskedPing, h.WaitTime())
}
