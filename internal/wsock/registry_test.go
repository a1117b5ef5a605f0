package wsock_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/gowsd/internal/wsock"
)

// -------------------------------------------------------------------------
// Test Helpers — fake session
// -------------------------------------------------------------------------

// sentMessage records one message delivered to a fake session.
type sentMessage struct {
	op     wsock.Opcode
	data   []byte
	stream bool
}

// fakeSession is a Session double that records every interaction.
type fakeSession struct {
	id string

	state atomic.Int32 // wsock.ReadyState

	// pongs controls whether Ping reports a received pong.
	pongs bool

	// failSends makes Send and SendStream return an error.
	failSends bool

	mu     sync.Mutex
	sent   []sentMessage
	pinged int
	closed [][]byte // close frames received, nil entries included
}

var errFakeSendFailed = errors.New("fake send failed")

func newFakeSession(id string) *fakeSession {
	s := &fakeSession{id: id, pongs: true}
	s.state.Store(int32(wsock.ReadyStateOpen))
	return s
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) ReadyState() wsock.ReadyState {
	return wsock.ReadyState(s.state.Load())
}

func (s *fakeSession) Send(op wsock.Opcode, data []byte) error {
	if s.failSends || s.ReadyState() != wsock.ReadyStateOpen {
		return errFakeSendFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{op: op, data: append([]byte(nil), data...)})
	return nil
}

func (s *fakeSession) SendStream(op wsock.Opcode, src io.Reader) error {
	if s.failSends || s.ReadyState() != wsock.ReadyStateOpen {
		return errFakeSendFailed
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{op: op, data: data, stream: true})
	return nil
}

func (s *fakeSession) Ping(_ []byte, _ time.Duration) bool {
	s.mu.Lock()
	s.pinged++
	s.mu.Unlock()
	return s.pongs
}

func (s *fakeSession) Close(frame []byte, _ time.Duration) error {
	s.state.Store(int32(wsock.ReadyStateClosed))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, frame)
	return nil
}

// messages returns a copy of the recorded sends.
func (s *fakeSession) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// closeFrames returns a copy of the recorded close frames.
func (s *fakeSession) closeFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.closed...)
}

// testLogger returns a quiet slog logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startedHost builds a started host with the given parameters, for driving
// the registry through its owning host the way the manager does.
func startedHost(t *testing.T, mgr *wsock.Manager, path string) *wsock.ServiceHost {
	t.Helper()

	if err := mgr.Add(path, wsock.NewEchoBehavior); err != nil {
		t.Fatalf("Add(%s): %v", path, err)
	}
	host, ok := mgr.TryGet(path)
	if !ok {
		t.Fatalf("TryGet(%s): not found", path)
	}
	return host
}

// startedManager builds and starts a manager for registry-level tests.
func startedManager(t *testing.T, opts ...wsock.ManagerOption) *wsock.Manager {
	t.Helper()

	mgr := wsock.NewManager(testLogger(), opts...)
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return mgr
}

// -------------------------------------------------------------------------
// TestRegistryAddRemove
// -------------------------------------------------------------------------

// TestRegistryAddRemove verifies the session table mutations: add before
// start is rejected, duplicates are rejected, removal is idempotent.
func TestRegistryAddRemove(t *testing.T) {
	t.Parallel()

	mgr := wsock.NewManager(testLogger())
	if err := mgr.Add("/chat", wsock.NewEchoBehavior); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The manager is Ready, so the host and registry are not started.
	hosts := mgr.Hosts()
	if len(hosts) != 1 {
		t.Fatalf("Hosts() = %d entries, want 1", len(hosts))
	}
	reg := hosts[0].Sessions()

	if err := reg.Add(newFakeSession("s1")); !errors.Is(err, wsock.ErrRegistryNotStarted) {
		t.Fatalf("Add before start: err = %v, want ErrRegistryNotStarted", err)
	}

	if err := mgr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := reg.Add(newFakeSession("s1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(newFakeSession("s1")); !errors.Is(err, wsock.ErrDuplicateSessionID) {
		t.Fatalf("duplicate Add: err = %v, want ErrDuplicateSessionID", err)
	}
	if err := reg.Add(nil); !errors.Is(err, wsock.ErrNilSession) {
		t.Fatalf("nil Add: err = %v, want ErrNilSession", err)
	}

	if got := reg.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
	if _, ok := reg.Get("s1"); !ok {
		t.Fatal("Get(s1): not found")
	}

	if !reg.Remove("s1") {
		t.Fatal("Remove(s1) = false, want true")
	}
	if reg.Remove("s1") {
		t.Fatal("second Remove(s1) = true, want false")
	}
}

// -------------------------------------------------------------------------
// TestRegistryBroadcast
// -------------------------------------------------------------------------

// TestRegistryBroadcast verifies the parallel fan-out and the conjunction
// of per-session results.
func TestRegistryBroadcast(t *testing.T) {
	t.Parallel()

	mgr := startedManager(t)
	reg := startedHost(t, mgr, "/chat").Sessions()

	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	for _, s := range []*fakeSession{s1, s2} {
		if err := reg.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.id, err)
		}
	}

	if !reg.Broadcast(wsock.OpcodeText, []byte("hi")) {
		t.Fatal("Broadcast = false, want true")
	}

	for _, s := range []*fakeSession{s1, s2} {
		msgs := s.messages()
		if len(msgs) != 1 || string(msgs[0].data) != "hi" || msgs[0].op != wsock.OpcodeText {
			t.Fatalf("session %s received %+v", s.id, msgs)
		}
	}

	// A failing session turns the conjunction false; the other session
	// still receives the message.
	s2.failSends = true
	if reg.Broadcast(wsock.OpcodeText, []byte("again")) {
		t.Fatal("Broadcast with failing session = true, want false")
	}
	if msgs := s1.messages(); len(msgs) != 2 {
		t.Fatalf("healthy session received %d messages, want 2", len(msgs))
	}
}

// TestRegistryBroadcastStream verifies that every session receives an
// independent reader over the shared buffer.
func TestRegistryBroadcastStream(t *testing.T) {
	t.Parallel()

	mgr := startedManager(t)
	reg := startedHost(t, mgr, "/chat").Sessions()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	sessions := []*fakeSession{newFakeSession("s1"), newFakeSession("s2"), newFakeSession("s3")}
	for _, s := range sessions {
		if err := reg.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.id, err)
		}
	}

	if !reg.BroadcastStream(wsock.OpcodeBinary, payload) {
		t.Fatal("BroadcastStream = false, want true")
	}

	for _, s := range sessions {
		msgs := s.messages()
		if len(msgs) != 1 || !msgs[0].stream {
			t.Fatalf("session %s: messages = %+v", s.id, msgs)
		}
		if len(msgs[0].data) != len(payload) {
			t.Fatalf("session %s reconstructed %d bytes, want %d", s.id, len(msgs[0].data), len(payload))
		}
		for i, b := range msgs[0].data {
			if b != payload[i] {
				t.Fatalf("session %s: byte %d = %d, want %d", s.id, i, b, payload[i])
			}
		}
	}
}

// -------------------------------------------------------------------------
// TestRegistryBroadping
// -------------------------------------------------------------------------

// TestRegistryBroadping verifies per-session pong correlation: the result
// domain is the sampled session-ID set, with non-Open sessions recorded
// false without a ping being dispatched.
func TestRegistryBroadping(t *testing.T) {
	t.Parallel()

	mgr := startedManager(t)
	reg := startedHost(t, mgr, "/chat").Sessions()

	replying := newFakeSession("s1")
	silent := newFakeSession("s2")
	silent.pongs = false
	closed := newFakeSession("s3")
	closed.state.Store(int32(wsock.ReadyStateClosed))

	for _, s := range []*fakeSession{replying, silent, closed} {
		if err := reg.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.id, err)
		}
	}

	got := reg.Broadping(wsock.EmptyUnmaskedPing, 100*time.Millisecond)

	want := map[string]bool{"s1": true, "s2": false, "s3": false}
	if len(got) != len(want) {
		t.Fatalf("Broadping domain = %v, want %v", got, want)
	}
	for id, received := range want {
		if got[id] != received {
			t.Errorf("Broadping[%s] = %v, want %v", id, got[id], received)
		}
	}

	// No frame went to the closed session.
	closed.mu.Lock()
	pinged := closed.pinged
	closed.mu.Unlock()
	if pinged != 0 {
		t.Errorf("closed session was pinged %d times", pinged)
	}
}

// -------------------------------------------------------------------------
// TestRegistryStop
// -------------------------------------------------------------------------

// TestRegistryStop verifies the shutdown drain: every session receives
// the close frame, the table empties, and later fan-outs degenerate.
func TestRegistryStop(t *testing.T) {
	t.Parallel()

	mgr := startedManager(t)
	reg := startedHost(t, mgr, "/chat").Sessions()

	sessions := []*fakeSession{newFakeSession("s1"), newFakeSession("s2")}
	for _, s := range sessions {
		if err := reg.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.id, err)
		}
	}

	frame := wsock.NewCloseFrame(wsock.StatusAway, "bye").Marshal()
	reg.Stop(frame, 100*time.Millisecond)

	if got := reg.State(); got != wsock.StateStop {
		t.Fatalf("state after Stop = %s, want Stop", got)
	}
	if got := reg.Count(); got != 0 {
		t.Fatalf("Count after Stop = %d, want 0", got)
	}

	for _, s := range sessions {
		frames := s.closeFrames()
		if len(frames) != 1 || string(frames[0]) != string(frame) {
			t.Fatalf("session %s close frames = %v", s.id, frames)
		}
	}

	if reg.Broadcast(wsock.OpcodeText, []byte("late")) {
		t.Error("Broadcast after Stop = true, want false")
	}
	if got := reg.Broadping(wsock.EmptyUnmaskedPing, time.Millisecond); len(got) != 0 {
		t.Errorf("Broadping after Stop = %v, want empty", got)
	}
}

// -------------------------------------------------------------------------
// TestRegistrySweep
// -------------------------------------------------------------------------

// TestRegistrySweep verifies the keep-clean sweep: sessions that fail to
// pong are closed with status 1001 and removed; responsive ones survive.
func TestRegistrySweep(t *testing.T) {
	t.Parallel()

	mgr := startedManager(t)
	reg := startedHost(t, mgr, "/chat").Sessions()

	healthy := newFakeSession("s1")
	stale := newFakeSession("s2")
	stale.pongs = false

	for _, s := range []*fakeSession{healthy, stale} {
		if err := reg.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.id, err)
		}
	}

	reg.Sweep(10 * time.Millisecond)

	if _, ok := reg.Get("s1"); !ok {
		t.Error("responsive session was swept")
	}
	if _, ok := reg.Get("s2"); ok {
		t.Error("unresponsive session survived the sweep")
	}

	frames := stale.closeFrames()
	if len(frames) != 1 {
		t.Fatalf("stale session close frames = %d, want 1", len(frames))
	}
	status, _, err := wsock.ParseClosePayload(framePayload(t, frames[0]))
	if err != nil {
		t.Fatalf("parse close payload: %v", err)
	}
	if status != wsock.StatusAway {
		t.Errorf("sweep close status = %d, want 1001", status)
	}
}

// framePayload decodes a serialized frame and returns its payload.
func framePayload(t *testing.T, wire []byte) []byte {
	t.Helper()

	f, err := readOne(t, wire, 0)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f.Payload
}
