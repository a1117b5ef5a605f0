// Package server implements the TCP/TLS listener and the RFC 6455 upgrade
// acceptor in front of the service manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dantte-lp/gowsd/internal/wsock"
)

// Upgrade failure reasons used as metric labels.
const (
	reasonRateLimited  = "rate_limited"
	reasonNoService    = "no_service"
	reasonBadHandshake = "bad_handshake"
	reasonHijack       = "hijack_failed"
	reasonRegister     = "register_failed"
)

// defaultUpgradeRate bounds accepted upgrades per second; bursts up to
// twice the rate are absorbed.
const (
	defaultUpgradeRate  = rate.Limit(256)
	defaultUpgradeBurst = 512
)

// shutdownDrainTimeout is the maximum time Serve waits for the HTTP server
// to drain once its context is cancelled.
const shutdownDrainTimeout = 10 * time.Second

// UpgradeReporter receives acceptor events. The Prometheus implementation
// lives in internal/metrics.
type UpgradeReporter interface {
	// IncUpgrades is called for every completed upgrade.
	IncUpgrades()

	// IncUpgradeFailures is called for every rejected upgrade with the
	// rejection reason.
	IncUpgradeFailures(reason string)
}

// noopUpgrades is the default UpgradeReporter.
type noopUpgrades struct{}

func (noopUpgrades) IncUpgrades()              {}
func (noopUpgrades) IncUpgradeFailures(string) {}

// -------------------------------------------------------------------------
// Acceptor — HTTP handler performing the RFC 6455 upgrade
// -------------------------------------------------------------------------

// Acceptor routes upgrade requests to their service host via the manager,
// performs the RFC 6455 opening handshake, and hands the hijacked
// connection to a wsock session.
type Acceptor struct {
	manager *wsock.Manager
	logger  *slog.Logger
	limiter *rate.Limiter
	metrics UpgradeReporter

	// readLimit and writeTimeout are passed through to every session.
	readLimit    int64
	writeTimeout time.Duration
}

// AcceptorOption configures optional Acceptor parameters.
type AcceptorOption func(*Acceptor)

// WithUpgradeLimit overrides the upgrade rate limit.
func WithUpgradeLimit(limit rate.Limit, burst int) AcceptorOption {
	return func(a *Acceptor) {
		a.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithUpgradeMetrics sets the UpgradeReporter. If r is nil, a no-op
// reporter is used.
func WithUpgradeMetrics(r UpgradeReporter) AcceptorOption {
	return func(a *Acceptor) {
		if r != nil {
			a.metrics = r
		}
	}
}

// WithSessionLimits sets the per-session read limit and write timeout.
func WithSessionLimits(readLimit int64, writeTimeout time.Duration) AcceptorOption {
	return func(a *Acceptor) {
		a.readLimit = readLimit
		a.writeTimeout = writeTimeout
	}
}

// NewAcceptor creates the upgrade acceptor in front of mgr.
func NewAcceptor(mgr *wsock.Manager, logger *slog.Logger, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		manager: mgr,
		logger:  logger.With(slog.String("component", "server.acceptor")),
		limiter: rate.NewLimiter(defaultUpgradeRate, defaultUpgradeBurst),
		metrics: noopUpgrades{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ServeHTTP performs the upgrade handshake and starts the session.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		a.metrics.IncUpgradeFailures(reasonRateLimited)
		http.Error(w, "upgrade rate exceeded", http.StatusTooManyRequests)
		return
	}

	host, ok := a.manager.TryGet(r.URL.Path)
	if !ok {
		a.metrics.IncUpgradeFailures(reasonNoService)
		http.NotFound(w, r)
		return
	}

	key, err := validateUpgrade(r)
	if err != nil {
		a.metrics.IncUpgradeFailures(reasonBadHandshake)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	protocols := offeredProtocols(r.Header)
	if dup, found := firstDuplicateProtocol(protocols); found {
		a.metrics.IncUpgradeFailures(reasonBadHandshake)
		http.Error(w,
			fmt.Errorf("protocol %q: %w", dup, ErrDuplicateProtocol).Error(),
			http.StatusBadRequest,
		)
		return
	}

	a.upgrade(w, host, key, protocols)
}

// upgrade hijacks the connection, writes the 101 response, and hands the
// transport to a new session on the host.
func (a *Acceptor) upgrade(
	w http.ResponseWriter,
	host *wsock.ServiceHost,
	key string,
	protocols []string,
) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		a.metrics.IncUpgradeFailures(reasonHijack)
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}

	netConn, rw, err := hj.Hijack()
	if err != nil {
		a.metrics.IncUpgradeFailures(reasonHijack)
		a.logger.Warn("hijack failed", slog.String("error", err.Error()))
		return
	}

	// The HTTP server may have armed read deadlines on the transport;
	// the session manages its own.
	if err := netConn.SetDeadline(time.Time{}); err != nil {
		a.logger.Warn("deadline reset failed", slog.String("error", err.Error()))
	}

	// A remainder in the hijacked bufio reader would desynchronize the
	// frame codec; conforming clients wait for the 101 before sending.
	if rw.Reader.Buffered() > 0 {
		a.metrics.IncUpgradeFailures(reasonBadHandshake)
		a.logger.Warn("client sent data before handshake completion",
			slog.String("remote", netConn.RemoteAddr().String()),
		)
		_ = netConn.Close()
		return
	}

	a.startSession(netConn, host, key, protocols)
}

// startSession registers a new session for the upgraded transport, writes
// the 101 response, and launches the read loop. Registration precedes the
// response so a client that observes the completed handshake also observes
// its session.
func (a *Acceptor) startSession(
	netConn net.Conn,
	host *wsock.ServiceHost,
	key string,
	protocols []string,
) {
	id := uuid.NewString()
	registry := host.Sessions()

	conn, err := wsock.NewConn(netConn, wsock.ConnConfig{
		ID:           id,
		Behavior:     host.NewBehavior(),
		FragmentSize: host.FragmentSize(),
		ReadLimit:    a.readLimit,
		WriteTimeout: a.writeTimeout,
		OnClosed: func(id string) {
			registry.Remove(id)
		},
	}, a.logger)
	if err != nil {
		a.metrics.IncUpgradeFailures(reasonRegister)
		a.logger.Warn("session construction failed", slog.String("error", err.Error()))
		_ = netConn.Close()
		return
	}

	if err := registry.Add(conn); err != nil {
		a.metrics.IncUpgradeFailures(reasonRegister)
		a.logger.Warn("session registration failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		_ = netConn.Close()
		return
	}

	if err := writeUpgradeResponse(netConn, key, protocols); err != nil {
		a.metrics.IncUpgradeFailures(reasonHijack)
		a.logger.Warn("handshake response failed", slog.String("error", err.Error()))
		registry.Remove(id)
		_ = netConn.Close()
		return
	}

	a.metrics.IncUpgrades()
	a.logger.Debug("session upgraded",
		slog.String("session_id", id),
		slog.String("path", host.Path()),
		slog.String("remote", netConn.RemoteAddr().String()),
	)

	go conn.Run()
}

// writeUpgradeResponse writes the 101 Switching Protocols response
// (RFC 6455 Section 4.2.2). The first offered subprotocol, if any, is
// selected.
func writeUpgradeResponse(conn net.Conn, key string, protocols []string) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n"
	if len(protocols) > 0 {
		resp += "Sec-WebSocket-Protocol: " + protocols[0] + "\r\n"
	}
	resp += "\r\n"

	if _, err := conn.Write([]byte(resp)); err != nil {
		return fmt.Errorf("write upgrade response: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Server — listener lifecycle
// -------------------------------------------------------------------------

// Server owns the HTTP listener serving the acceptor, with optional TLS.
type Server struct {
	httpSrv  *http.Server
	certFile string
	keyFile  string
	logger   *slog.Logger
}

// NewServer builds the listener for the given address. When certFile and
// keyFile are both non-empty the listener serves TLS.
func NewServer(addr string, handler http.Handler, certFile, keyFile string, logger *slog.Logger) *Server {
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger.With(slog.String("component", "server.listener")),
	}
}

// Serve runs the listener until ctx is cancelled, then drains it. It
// returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("listening",
			slog.String("addr", s.httpSrv.Addr),
			slog.Bool("tls", s.certFile != ""),
		)
		if s.certFile != "" && s.keyFile != "" {
			errCh <- s.httpSrv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			errCh <- s.httpSrv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
