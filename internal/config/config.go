// Package config manages gowsd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gowsd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Services  []ServiceConfig `koanf:"services"`
}

// ServerConfig holds the WebSocket listener configuration.
type ServerConfig struct {
	// Addr is the listen address (e.g., ":8080").
	Addr string `koanf:"addr"`

	// CertFile is the TLS certificate path. TLS is enabled when both
	// CertFile and KeyFile are set.
	CertFile string `koanf:"cert_file"`

	// KeyFile is the TLS private key path.
	KeyFile string `koanf:"key_file"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// WebSocketConfig holds the service-manager parameters.
type WebSocketConfig struct {
	// FragmentSize is the payload size in bytes above which a broadcast
	// switches from the buffer path to the stream path.
	FragmentSize int `koanf:"fragment_size"`

	// WaitTime bounds broadping pong waits and shutdown close-drains.
	WaitTime time.Duration `koanf:"wait_time"`

	// KeepClean enables the per-service idle sweeper.
	KeepClean bool `koanf:"keep_clean"`
}

// ServiceConfig describes a declarative WebSocket service from the
// configuration file. Each entry registers a service on daemon startup.
type ServiceConfig struct {
	// Path is the absolute service path (e.g., "/echo").
	Path string `koanf:"path"`

	// Behavior selects the built-in behavior: "echo" or "chat".
	Behavior string `koanf:"behavior"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The one-second wait time is the manager's own default; 1016 bytes plus
// the 8-byte header of a masked frame of that size fill exactly a kilobyte.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			FragmentSize: 1016,
			WaitTime:     1 * time.Second,
			KeepClean:    false,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gowsd configuration.
// Variables are named GOWSD_<section>_<key>, e.g., GOWSD_SERVER_ADDR.
const envPrefix = "GOWSD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOWSD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOWSD_SERVER_ADDR   -> server.addr
//	GOWSD_METRICS_ADDR  -> metrics.addr
//	GOWSD_METRICS_PATH  -> metrics.path
//	GOWSD_LOG_LEVEL     -> log.level
//	GOWSD_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GOWSD_SERVER_ADDR -> server.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOWSD_SERVER_ADDR -> server.addr.
// Strips the GOWSD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.addr":             defaults.Server.Addr,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"websocket.fragment_size": defaults.WebSocket.FragmentSize,
		"websocket.wait_time":     defaults.WebSocket.WaitTime.String(),
		"websocket.keep_clean":    defaults.WebSocket.KeepClean,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyServerAddr indicates the listener address is empty.
	ErrEmptyServerAddr = errors.New("server.addr must not be empty")

	// ErrPartialTLS indicates only one of cert_file and key_file is set.
	ErrPartialTLS = errors.New("server.cert_file and server.key_file must be set together")

	// ErrInvalidFragmentSize indicates a non-positive fragment size.
	ErrInvalidFragmentSize = errors.New("websocket.fragment_size must be >= 1")

	// ErrInvalidWaitTime indicates a non-positive wait time.
	ErrInvalidWaitTime = errors.New("websocket.wait_time must be > 0")

	// ErrInvalidServicePath indicates a service path that is empty, not
	// absolute, or carries query/fragment components.
	ErrInvalidServicePath = errors.New("service path must be absolute without query or fragment")

	// ErrInvalidServiceBehavior indicates an unrecognized behavior name.
	ErrInvalidServiceBehavior = errors.New("service behavior must be echo or chat")

	// ErrDuplicateServicePath indicates two services share the same path.
	ErrDuplicateServicePath = errors.New("duplicate service path")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return ErrEmptyServerAddr
	}

	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		return ErrPartialTLS
	}

	if cfg.WebSocket.FragmentSize < 1 {
		return ErrInvalidFragmentSize
	}

	if cfg.WebSocket.WaitTime <= 0 {
		return ErrInvalidWaitTime
	}

	return validateServices(cfg.Services)
}

// ValidBehaviors lists the recognized built-in behavior names.
var ValidBehaviors = map[string]bool{
	"echo": true,
	"chat": true,
}

// validateServices checks each declarative service entry for correctness.
func validateServices(services []ServiceConfig) error {
	seen := make(map[string]struct{}, len(services))

	for i, sc := range services {
		if sc.Path == "" || sc.Path[0] != '/' || strings.ContainsAny(sc.Path, "?#") {
			return fmt.Errorf("services[%d] path %q: %w", i, sc.Path, ErrInvalidServicePath)
		}

		if sc.Behavior != "" && !ValidBehaviors[sc.Behavior] {
			return fmt.Errorf("services[%d] behavior %q: %w", i, sc.Behavior, ErrInvalidServiceBehavior)
		}

		if _, dup := seen[sc.Path]; dup {
			return fmt.Errorf("services[%d] path %q: %w", i, sc.Path, ErrDuplicateServicePath)
		}
		seen[sc.Path] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
