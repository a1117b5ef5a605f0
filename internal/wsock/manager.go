package wsock

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for Manager operations.
var (
	// ErrManagerAlreadyStarted indicates a second Start call. The manager
	// enters Start exactly once.
	ErrManagerAlreadyStarted = errors.New("service manager has already started")

	// ErrManagerStopped indicates a mutation on a manager that is
	// shutting down or stopped.
	ErrManagerStopped = errors.New("service manager is shutting down or stopped")

	// ErrInvalidWaitTime indicates a wait time of zero or less.
	ErrInvalidWaitTime = errors.New("wait time must be positive")
)

// DefaultWaitTime is the wait time a new manager starts with. It bounds
// broadping pong waits and shutdown close-drains.
const DefaultWaitTime = time.Second

// -------------------------------------------------------------------------
// Manager — WebSocket Service Manager
// -------------------------------------------------------------------------

// Manager owns every service host, keyed by normalized path, and provides
// the add/remove/lookup, broadcast, broadping, and lifecycle API.
//
// The lifecycle progresses Ready -> Start -> ShuttingDown -> Stop, never
// backward. While the manager is not in Start, broadcasts and broadpings
// degenerate to false or an empty mapping and no session is touched.
type Manager struct {
	// fragmentSize is the threshold above which a broadcast switches
	// from the buffer path to the stream path. Immutable.
	fragmentSize int

	// keepClean enables the per-host idle sweeper. Immutable; propagated
	// to every host at construction.
	keepClean bool

	// waitTime bounds broadping pong waits and shutdown drains. Stored
	// as nanoseconds; writes propagate to every host after the manager's
	// own copy is updated.
	waitTime atomic.Int64

	// hosts maps normalized path to host. Guarded by mu; fan-outs copy
	// the value set into a snapshot before iterating.
	hosts map[string]*ServiceHost
	mu    sync.RWMutex

	life lifecycle

	// metrics is the optional metrics reporter. Never nil -- uses
	// noopMetrics when no collector is configured.
	metrics MetricsReporter

	logger *slog.Logger
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithFragmentSize sets the buffer/stream decision threshold in bytes.
// Non-positive values are ignored and the default is kept.
func WithFragmentSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.fragmentSize = n
		}
	}
}

// WithKeepClean enables the per-host idle sweeper: sessions with no
// heartbeat reply within the wait time are closed with status 1001.
func WithKeepClean(keepClean bool) ManagerOption {
	return func(m *Manager) {
		m.keepClean = keepClean
	}
}

// WithManagerMetrics sets the MetricsReporter for the manager and all
// hosts it creates. If mr is nil, a no-op reporter is used.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// NewManager creates a new service manager in the Ready state with the
// default fragment size and a one-second wait time.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		fragmentSize: defaultFragmentSize,
		hosts:        make(map[string]*ServiceHost),
		metrics:      noopMetrics{},
		logger:       logger.With(slog.String("component", "wsock.manager")),
	}
	m.waitTime.Store(int64(DefaultWaitTime))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the manager's lifecycle state.
func (m *Manager) State() State { return m.life.State() }

// FragmentSize returns the buffer/stream decision threshold.
func (m *Manager) FragmentSize() int { return m.fragmentSize }

// KeepClean reports whether hosts run the idle sweeper.
func (m *Manager) KeepClean() bool { return m.keepClean }

// WaitTime returns the current wait time.
func (m *Manager) WaitTime() time.Duration {
	return time.Duration(m.waitTime.Load())
}

// -------------------------------------------------------------------------
// Host Table — add / remove / lookup
// -------------------------------------------------------------------------

// Add registers a service at the given path. The path is normalized before
// insertion; adding a path that is already present is a silent no-op. A
// host added while the manager is in Start is started before it becomes
// visible. Add is rejected once the manager leaves Start.
func (m *Manager) Add(path string, factory BehaviorFactory) error {
	if err := ValidatePath(path); err != nil {
		return fmt.Errorf("add service: %w", err)
	}
	if m.life.State() > StateStart {
		return fmt.Errorf("add service %s: %w", path, ErrManagerStopped)
	}

	norm := NormalizePath(path)

	if m.lookup(norm) != nil {
		return nil
	}

	host, err := newServiceHost(
		norm, factory, m.fragmentSize, m.keepClean, m.WaitTime(), m.logger, m.metrics,
	)
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	// A host joining a started manager is started before insertion makes
	// it visible, so no reader ever observes a host behind its manager.
	if m.life.State() == StateStart {
		host.start()
	}

	return m.commit(norm, host)
}

// commit inserts the host under the write lock, re-running the duplicate
// and lifecycle checks that were performed optimistically. A racing adder
// of the same path observes the existing entry and returns silently; the
// host it built is torn down.
func (m *Manager) commit(path string, host *ServiceHost) error {
	m.mu.Lock()
	if m.life.State() > StateStart {
		m.mu.Unlock()
		host.stop(nil, 0)
		return fmt.Errorf("add service %s: %w", path, ErrManagerStopped)
	}
	if _, dup := m.hosts[path]; dup {
		m.mu.Unlock()
		host.stop(nil, 0)
		return nil
	}
	// Start may have run between Add's optimistic check and this lock.
	if m.life.State() == StateStart {
		host.start()
	}
	m.hosts[path] = host
	m.mu.Unlock()

	m.logger.Info("service added",
		slog.String("path", path),
		slog.String("state", host.State().String()),
	)

	return nil
}

// Remove detaches the service at the given path and returns whether a host
// was removed. A host that is in Start has its sessions closed with status
// 1001 ("Away") before deletion. Remove is rejected once the manager
// reaches Stop.
func (m *Manager) Remove(path string) bool {
	if ValidatePath(path) != nil || m.life.State() == StateStop {
		return false
	}

	norm := NormalizePath(path)

	m.mu.Lock()
	host, ok := m.hosts[norm]
	if ok {
		delete(m.hosts, norm)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	if host.State() == StateStart {
		frame := NewCloseFrame(StatusAway, "service removed").Marshal()
		host.stop(frame, host.WaitTime())
	} else {
		host.stop(nil, 0)
	}

	m.logger.Info("service removed", slog.String("path", norm))

	return true
}

// TryGet returns the host serving the given path. It returns false when
// the manager is not in Start, the path fails validation, or no service is
// registered at the normalized path. The upgrade acceptor routes incoming
// connections through TryGet.
func (m *Manager) TryGet(path string) (*ServiceHost, bool) {
	if m.life.State() != StateStart {
		return nil, false
	}
	if err := ValidatePath(path); err != nil {
		return nil, false
	}

	host := m.lookup(NormalizePath(path))
	return host, host != nil
}

// lookup returns the host at the normalized path, or nil.
func (m *Manager) lookup(norm string) *ServiceHost {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.hosts[norm]
}

// Count returns the number of registered services.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.hosts)
}

// Paths returns a snapshot of the registered service paths. Order is not
// specified.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.hosts))
	for path := range m.hosts {
		paths = append(paths, path)
	}
	return paths
}

// Hosts returns a snapshot of the registered hosts. Mutations to the host
// table after the call do not affect the returned slice.
func (m *Manager) Hosts() []*ServiceHost {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]*ServiceHost, 0, len(m.hosts))
	for _, host := range m.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}

// SessionCount returns the total number of live sessions across all hosts
// while the manager is in Start, and zero otherwise.
func (m *Manager) SessionCount() int {
	if m.life.State() != StateStart {
		return 0
	}

	var n int
	for _, host := range m.Hosts() {
		n += host.SessionCount()
	}
	return n
}

// SetWaitTime updates the wait time and propagates it to every host. The
// manager's copy is written before any host's, so hot-path readers observe
// a monotonic update. Zero and negative durations are rejected.
func (m *Manager) SetWaitTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("set wait time %v: %w", d, ErrInvalidWaitTime)
	}
	if time.Duration(m.waitTime.Swap(int64(d))) == d {
		return nil
	}

	for _, host := range m.Hosts() {
		host.setWaitTime(d)
	}

	m.logger.Info("wait time updated", slog.Duration("wait_time", d))

	return nil
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Start starts every currently registered host and moves the manager to
// Start. The manager enters Start exactly once; any later call fails with
// ErrManagerAlreadyStarted.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Hosts are started before the state flips, under the same lock an
	// Add needs for insertion, so no host is ever visible unstarted in a
	// started manager.
	for _, host := range m.hosts {
		host.start()
	}

	if !m.life.advance(StateStart) {
		return ErrManagerAlreadyStarted
	}

	m.logger.Info("manager started", slog.Int("services", len(m.hosts)))

	return nil
}

// Stop shuts every service down and empties the host table. When sendClose
// is set, a close frame with the given status and reason is serialized
// once and shared across all hosts. When wait is set, each session drain
// honors the wait time; otherwise the drain timeout is zero and transports
// are dropped as soon as the close frame is out. Stop is a no-op unless
// the manager is in Start.
func (m *Manager) Stop(status CloseStatus, reason string, sendClose, wait bool) {
	if m.life.State() != StateStart || !m.life.advance(StateShuttingDown) {
		return
	}

	var frame []byte
	if sendClose {
		frame = NewCloseFrame(status, reason).Marshal()
	}

	var timeout time.Duration
	if wait {
		timeout = m.WaitTime()
	}

	hosts := m.Hosts()

	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host.stop(frame, timeout)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	m.hosts = make(map[string]*ServiceHost)
	m.mu.Unlock()

	m.life.advance(StateStop)

	m.logger.Info("manager stopped", slog.Int("services_closed", len(hosts)))
}

// -------------------------------------------------------------------------
// Broadcasts
// -------------------------------------------------------------------------

// Broadcast sends data as a binary message to every session of every
// started service and reports the conjunction of the per-host results.
// Payloads above the fragment size take the stream path, so the peer-side
// codec fragments them.
func (m *Manager) Broadcast(data []byte) bool {
	if m.life.State() != StateStart || data == nil {
		return false
	}
	return m.broadcastBytes(OpcodeBinary, data)
}

// BroadcastText sends text as a UTF-8 text message to every session of
// every started service.
func (m *Manager) BroadcastText(text string) bool {
	if m.life.State() != StateStart {
		return false
	}
	return m.broadcastBytes(OpcodeText, []byte(text))
}

// BroadcastStream sends the contents of src as one binary message to every
// session of every started service. The source is materialized into memory
// once so each session gets an independent reader; callers with very large
// one-shot sources should prefer per-session sends.
func (m *Manager) BroadcastStream(src io.Reader) bool {
	if m.life.State() != StateStart || src == nil {
		return false
	}

	data, err := io.ReadAll(src)
	if err != nil {
		m.logger.Warn("broadcast stream source read failed",
			slog.String("error", err.Error()),
		)
		return false
	}

	m.metrics.IncBroadcasts(OpcodeBinary.String())

	return m.fanOut(func(host *ServiceHost) bool {
		return host.sessions.BroadcastStream(OpcodeBinary, data)
	})
}

// broadcastBytes fans data out to every host, choosing the buffer path for
// payloads at most the fragment size and the stream path above it.
func (m *Manager) broadcastBytes(op Opcode, data []byte) bool {
	m.metrics.IncBroadcasts(op.String())

	if len(data) <= m.fragmentSize {
		return m.fanOut(func(host *ServiceHost) bool {
			return host.sessions.Broadcast(op, data)
		})
	}
	return m.fanOut(func(host *ServiceHost) bool {
		return host.sessions.BroadcastStream(op, data)
	})
}

// fanOut runs fn for every host of the call-time snapshot in parallel and
// ANDs the results. The snapshot walk stops early once the manager leaves
// Start; hosts whose work already launched run to completion, and skipped
// hosts contribute nothing to the conjunction.
func (m *Manager) fanOut(fn func(*ServiceHost) bool) bool {
	hosts := m.Hosts()

	ok := atomic.Bool{}
	ok.Store(true)

	var wg sync.WaitGroup
	for _, host := range hosts {
		if m.life.State() != StateStart {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !fn(host) {
				ok.Store(false)
			}
		}()
	}
	wg.Wait()

	return ok.Load()
}

// -------------------------------------------------------------------------
// Broadpings
// -------------------------------------------------------------------------

// Broadping pings every session of every started service with an empty
// payload and reports, per path and session ID, whether the pong arrived
// within the wait time. The precomputed empty unmasked ping frame is
// shared across all hosts.
func (m *Manager) Broadping() map[string]map[string]bool {
	if m.life.State() != StateStart {
		return map[string]map[string]bool{}
	}
	return m.broadpingFrame(EmptyUnmaskedPing)
}

// BroadpingText pings with a textual payload. An empty payload degenerates
// to the default Broadping. Payloads above the 125-byte control-frame
// ceiling yield an empty mapping with no frames sent.
func (m *Manager) BroadpingText(text string) map[string]map[string]bool {
	if text == "" {
		return m.Broadping()
	}
	if m.life.State() != StateStart {
		return map[string]map[string]bool{}
	}

	ping, err := NewPingFrame([]byte(text), false, [4]byte{})
	if err != nil {
		m.logger.Warn("broadping payload rejected",
			slog.Int("payload_len", len(text)),
			slog.String("error", err.Error()),
		)
		return map[string]map[string]bool{}
	}

	return m.broadpingFrame(ping.Marshal())
}

// broadpingFrame fans the pre-serialized ping frame out to every host of
// the call-time snapshot in parallel, with the same early stop as
// broadcasts, and unions the per-path results.
func (m *Manager) broadpingFrame(frame []byte) map[string]map[string]bool {
	hosts := m.Hosts()
	timeout := m.WaitTime()

	results := make(map[string]map[string]bool, len(hosts))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, host := range hosts {
		if m.life.State() != StateStart {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()

			replies := host.sessions.Broadping(frame, timeout)

			mu.Lock()
			results[host.Path()] = replies
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}
