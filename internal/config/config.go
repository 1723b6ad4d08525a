// Package config holds the agent's runtime configuration. The externally
// supplied surface is deliberately small: the QMP socket directory and the
// listen port, via flags or the QMP_SOCKET_DIR / QMP_AGENT_PORT
// environment variables. Everything else has fixed defaults that flags can
// override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults.
const (
	// DefaultSocketDir is where QEMU's qmp-<id>.sock files live.
	DefaultSocketDir = "/tmp"

	// DefaultPort is the HTTP listen port.
	DefaultPort = 9090

	// DefaultReadTimeout bounds waiting for a QMP reply frame.
	DefaultReadTimeout = 5 * time.Second

	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultMaxInFlight caps concurrently dispatched input operations.
	DefaultMaxInFlight = 32
)

// Environment variable names, kept compatible with the cluster's deploy
// manifests.
const (
	EnvSocketDir = "QMP_SOCKET_DIR"
	EnvPort      = "QMP_AGENT_PORT"
)

// Config is the agent's complete runtime configuration.
type Config struct {
	// SocketDir is the directory containing the QMP control sockets.
	SocketDir string

	// Port is the HTTP listen port.
	Port int

	// ReadTimeout is the per-command QMP reply timeout.
	ReadTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown bound.
	ShutdownTimeout time.Duration

	// MaxInFlight is the bound on concurrently dispatched input requests.
	MaxInFlight int64
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SocketDir:       DefaultSocketDir,
		Port:            DefaultPort,
		ReadTimeout:     DefaultReadTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxInFlight:     DefaultMaxInFlight,
	}
}

// FromEnv returns the defaults overlaid with any environment overrides.
// A malformed port value is ignored in favor of the default.
func FromEnv() *Config {
	cfg := Default()
	if dir := os.Getenv(EnvSocketDir); dir != "" {
		cfg.SocketDir = dir
	}
	if raw := os.Getenv(EnvPort); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			cfg.Port = port
		}
	}
	return cfg
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	if c.SocketDir == "" {
		return fmt.Errorf("config: socket directory is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("config: read timeout must be positive")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("config: max in-flight must be positive")
	}
	return nil
}
