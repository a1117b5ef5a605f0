// gowsd daemon -- multi-service WebSocket server (RFC 6455).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gowsd/internal/config"
	wsmetrics "github.com/dantte-lp/gowsd/internal/metrics"
	"github.com/dantte-lp/gowsd/internal/server"
	appversion "github.com/dantte-lp/gowsd/internal/version"
	"github.com/dantte-lp/gowsd/internal/wsock"
)

// metricsDrainTimeout is the maximum time to wait for the metrics HTTP
// server to drain during graceful shutdown.
const metricsDrainTimeout = 10 * time.Second

// shutdownReason is the close reason sent to every session on shutdown.
const shutdownReason = "server shutting down"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootCmd builds the top-level cobra command for the daemon.
func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "gowsd",
		Short:   "Multi-service WebSocket server",
		Long:    "gowsd hosts WebSocket endpoint services at distinct URL paths and fans application messages out to every live session.",
		Version: appversion.Version,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	return cmd
}

// run loads configuration, wires the manager and servers, and blocks until
// shutdown completes.
func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Logger with dynamic level support.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("gowsd starting",
		slog.String("version", appversion.Version),
		slog.String("server_addr", cfg.Server.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := wsmetrics.NewCollector(reg)

	// Service manager with metrics wired in.
	mgr := wsock.NewManager(logger,
		wsock.WithFragmentSize(cfg.WebSocket.FragmentSize),
		wsock.WithKeepClean(cfg.WebSocket.KeepClean),
		wsock.WithManagerMetrics(collector),
	)
	if err := mgr.SetWaitTime(cfg.WebSocket.WaitTime); err != nil {
		return fmt.Errorf("set wait time: %w", err)
	}

	if err := registerServices(mgr, cfg.Services); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	if err := runServers(cfg, mgr, collector, reg, logger); err != nil {
		logger.Error("gowsd exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("gowsd stopped")
	return nil
}

// loadConfig loads the YAML configuration, or defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// newLogger builds the slog logger from the log configuration.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// registerServices adds the declarative services from the configuration.
// A daemon with no configured services serves /echo.
func registerServices(mgr *wsock.Manager, services []config.ServiceConfig) error {
	if len(services) == 0 {
		services = []config.ServiceConfig{{Path: "/echo", Behavior: "echo"}}
	}

	for _, sc := range services {
		var factory wsock.BehaviorFactory
		switch sc.Behavior {
		case "chat":
			factory = chatFactory(mgr, sc.Path)
		default:
			factory = wsock.NewEchoBehavior
		}

		if err := mgr.Add(sc.Path, factory); err != nil {
			return fmt.Errorf("add service %s: %w", sc.Path, err)
		}
	}

	return nil
}

// runServers runs the WebSocket listener and the metrics endpoint on an
// errgroup with a signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	mgr *wsock.Manager,
	collector *wsmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	acceptor := server.NewAcceptor(mgr, logger,
		server.WithUpgradeMetrics(collector),
	)
	wsSrv := server.NewServer(
		cfg.Server.Addr, acceptor, cfg.Server.CertFile, cfg.Server.KeyFile, logger,
	)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	// The listeners drain on their own context, cancelled by the shutdown
	// goroutine once the manager has closed every session.
	listenCtx, cancelListen := context.WithCancel(context.Background())
	defer cancelListen()

	g.Go(func() error {
		return wsSrv.Serve(listenCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return serveMetrics(listenCtx, metricsSrv)
	})

	// Shutdown goroutine: close every session before the listeners drain.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down, closing sessions",
			slog.Int("sessions", mgr.SessionCount()),
		)
		mgr.Stop(wsock.StatusAway, shutdownReason, true, true)
		cancelListen()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// newMetricsServer builds the Prometheus metrics HTTP server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveMetrics runs the metrics server until ctx is cancelled, then drains it.
func serveMetrics(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), metricsDrainTimeout)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Chat Behavior
// -------------------------------------------------------------------------

// chatBehavior relays every message to all sessions of its service.
type chatBehavior struct {
	mgr  *wsock.Manager
	path string
}

// chatFactory builds chat behaviors bound to the service at path.
func chatFactory(mgr *wsock.Manager, path string) wsock.BehaviorFactory {
	return func() wsock.Behavior {
		return &chatBehavior{mgr: mgr, path: path}
	}
}

// OnOpen implements wsock.Behavior.
func (b *chatBehavior) OnOpen(wsock.Session) {}

// OnMessage implements wsock.Behavior by rebroadcasting to the service.
func (b *chatBehavior) OnMessage(_ wsock.Session, op wsock.Opcode, data []byte) {
	if host, ok := b.mgr.TryGet(b.path); ok {
		host.Broadcast(op, data)
	}
}

// OnClose implements wsock.Behavior.
func (b *chatBehavior) OnClose(wsock.Session, wsock.CloseStatus, string) {}

// OnError implements wsock.Behavior.
func (b *chatBehavior) OnError(wsock.Session, error) {}
