// Package config handles bridge configuration loading and validation.
// Configuration is read once at startup from the process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the top-level bridge configuration.
type Config struct {
	Host         string // HOST
	Port         int    // PORT
	AgentCommand string // AGENT_COMMAND, run through the shell
	DefaultCwd   string // DEFAULT_CWD for sessions that do not name one
	StaticDir    string // STATIC_DIR with the built UI; empty disables

	StoreDriver string // STORE_DRIVER: "sqlite" (default) or "postgres"
	StoreDSN    string // STORE_DSN; defaults to <home>/.acp-client/bridge.db

	HandshakeTimeout time.Duration // HANDSHAKE_TIMEOUT
	RequestTimeout   time.Duration // REQUEST_TIMEOUT

	LogLevel  string // LOG_LEVEL: debug, info, warn, error
	LogFormat string // LOG_FORMAT: "json" or "text"
}

// FromEnv reads and validates the configuration from the environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Host:         os.Getenv("HOST"),
		AgentCommand: os.Getenv("AGENT_COMMAND"),
		DefaultCwd:   os.Getenv("DEFAULT_CWD"),
		StaticDir:    os.Getenv("STATIC_DIR"),
		StoreDriver:  os.Getenv("STORE_DRIVER"),
		StoreDSN:     os.Getenv("STORE_DSN"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		LogFormat:    os.Getenv("LOG_FORMAT"),
	}

	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", p)
		}
		cfg.Port = port
	}

	var err error
	if cfg.HandshakeTimeout, err = durationEnv("HANDSHAKE_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT"); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationEnv parses a duration env var, accepting "30s" style strings or
// bare numbers meaning seconds.
func durationEnv(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid %s %q", name, v)
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 3001
	}
	if c.DefaultCwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DefaultCwd = home
		}
	}
	if c.StoreDriver == "" {
		c.StoreDriver = "sqlite"
	}
	if c.StoreDSN == "" && c.StoreDriver == "sqlite" {
		c.StoreDSN = filepath.Join(DataDir(), "bridge.db")
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

func (c *Config) validate() error {
	if c.AgentCommand == "" {
		return fmt.Errorf("AGENT_COMMAND is required")
	}
	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN is required for the postgres driver")
	}
	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DataDir returns the bridge's durable state directory, <home>/.acp-client.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".acp-client"
	}
	return filepath.Join(home, ".acp-client")
}
