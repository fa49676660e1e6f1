// Package config loads turbomcp's layered server configuration the way
// fyrsmithlabs-contextd/internal/config/loader.go loads contextd's: a YAML
// file via koanf's rawbytes+yaml providers, overridden by environment
// variables via koanf's env provider, unmarshalled into a typed Config and
// defaulted/validated afterward. `.env` file support comes from
// github.com/joho/godotenv, the dependency oisee-odata_mcp_go uses for the
// same purpose, loaded before the environment variables are read so that
// `.env` entries participate in the same override layer.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB, matching the teacher's loader.go

// Config holds turbomcp-server's complete runtime configuration, covering
// spec.md §6's minimum builder-config surface: listen address, max
// connections, idle timeout, max message size, rate-limit parameters, auth
// validation config, DPoP algorithm preference, log level, shutdown grace
// period.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Transport TransportConfig `koanf:"transport"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Auth      AuthConfig      `koanf:"auth"`
	DPoP      DPoPConfig      `koanf:"dpop"`
	Task      TaskConfig      `koanf:"task"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig holds process-wide identity and shutdown behavior.
type ServerConfig struct {
	Name             string        `koanf:"name"`
	Version          string        `koanf:"version"`
	ShutdownGrace    time.Duration `koanf:"shutdown_grace"`
	ForceStdoutLog   bool          `koanf:"force_stdout_log"` // TURBOMCP_FORCE_LOGGING
}

// TransportConfig holds listener settings shared by the TCP/WS/Unix
// transports, matching spec.md §6's transport defaults.
type TransportConfig struct {
	Kind           string        `koanf:"kind"` // stdio, tcp, ws, unix
	ListenAddr     string        `koanf:"listen_addr"`
	SocketPath     string        `koanf:"socket_path"`
	MaxConnections int           `koanf:"max_connections"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	MaxMessageSize int           `koanf:"max_message_size"`
	InboundBuffer  int           `koanf:"inbound_buffer"`
}

// RateLimitConfig holds token-bucket rate limiting parameters, consumed by
// the rate-limit middleware layer.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// AuthConfig holds inbound credential validation settings.
type AuthConfig struct {
	Mode       string   `koanf:"mode"` // none, bearer, mtls
	AllowedIss []string `koanf:"allowed_issuers"`
	JWKSURL    string   `koanf:"jwks_url"`
}

// DPoPConfig holds the DPoP key manager's runtime knobs.
type DPoPConfig struct {
	Algorithm       string        `koanf:"algorithm"` // ES256, RS256, PS256
	StorageBackend  string        `koanf:"storage_backend"` // mem, sqlite, postgres
	DSN             string        `koanf:"dsn"`
	KeyTTL          time.Duration `koanf:"key_ttl"`
	RotationInterval time.Duration `koanf:"rotation_interval"`
}

// TaskConfig holds the async task subsystem's runtime knobs.
type TaskConfig struct {
	Workers     int           `koanf:"workers"`
	DefaultTTL  time.Duration `koanf:"default_ttl"`
	PurgeCron   string        `koanf:"purge_cron"`
	Backend     string        `koanf:"backend"` // mem, nats
	NATSURL     string        `koanf:"nats_url"`
}

// LogConfig holds structured-logging verbosity.
type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// Defaults returns the hardcoded baseline every layer overrides.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name:          "turbomcp",
			Version:       "dev",
			ShutdownGrace: 10 * time.Second,
		},
		Transport: TransportConfig{
			Kind:           "stdio",
			ListenAddr:     "127.0.0.1:8080",
			MaxConnections: 256,
			IdleTimeout:    300 * time.Second,
			MaxMessageSize: 1 << 20,
			InboundBuffer:  1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Auth: AuthConfig{
			Mode: "none",
		},
		DPoP: DPoPConfig{
			Algorithm:        "ES256",
			StorageBackend:   "mem",
			KeyTTL:           24 * time.Hour,
			RotationInterval: time.Hour,
		},
		Task: TaskConfig{
			Workers:    4,
			DefaultTTL: 10 * time.Minute,
			PurgeCron:  "*/5 * * * *",
			Backend:    "mem",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from, in ascending precedence order: hardcoded
// defaults, a YAML file at configPath (if non-empty and present), a
// `.env` file in the working directory (if present), then process
// environment variables. configPath may be empty to skip the file layer.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := loadYAMLFile(k, configPath); err != nil {
			return nil, err
		}
	}

	// godotenv populates os.Environ, so .env entries flow through the same
	// env.Provider pass below — matching oisee-odata_mcp_go's load-dotenv-
	// then-read-os-env sequencing.
	_ = godotenv.Load()

	if err := k.Load(env.ProviderWithValue("TURBOMCP_", "_", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment variables: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// envTransform maps TURBOMCP_SERVER_NAME -> server.name, matching the
// teacher's section-then-field_name splitting strategy but prefixed for
// this module's own environment namespace.
func envTransform(key, value string) (string, any) {
	trimmed := strings.TrimPrefix(key, "TURBOMCP_")
	lower := strings.ToLower(trimmed)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower, value
	}
	return parts[0] + "." + parts[1], value
}

func loadYAMLFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config: %s exceeds max size of %d bytes", path, maxConfigFileSize)
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations that would fail at startup with a
// confusing lower-level error (bind failure, unknown algorithm, etc).
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "stdio", "tcp", "ws", "unix":
	default:
		return fmt.Errorf("transport.kind must be one of stdio|tcp|ws|unix, got %q", c.Transport.Kind)
	}
	switch c.DPoP.Algorithm {
	case "ES256", "RS256", "PS256":
	default:
		return fmt.Errorf("dpop.algorithm must be one of ES256|RS256|PS256, got %q", c.DPoP.Algorithm)
	}
	switch c.DPoP.StorageBackend {
	case "mem", "sqlite", "postgres":
	default:
		return fmt.Errorf("dpop.storage_backend must be one of mem|sqlite|postgres, got %q", c.DPoP.StorageBackend)
	}
	if c.Task.Workers <= 0 {
		return fmt.Errorf("task.workers must be positive, got %d", c.Task.Workers)
	}
	return nil
}
