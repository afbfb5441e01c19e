package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds server configuration, loaded from KAIZEN_* environment variables.
type Config struct {
	Port        int    `envconfig:"PORT" default:"8420"`
	StaticDir   string `envconfig:"STATIC_DIR" default:""`
	DataDir     string `envconfig:"DATA_DIR" default:""`
	MaxSessions int    `envconfig:"MAX_SESSIONS" default:"32"`

	Shell         string        `envconfig:"SHELL" default:""`
	RingCapacity  int           `envconfig:"RING_CAPACITY" default:"200"`
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"2s"`
	OrphanGrace   time.Duration `envconfig:"ORPHAN_GRACE" default:"2s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads configuration from the environment and fills in derived defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("kaizen", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	return &Config{
		Port:          8420,
		DataDir:       defaultDataDir(),
		MaxSessions:   32,
		RingCapacity:  200,
		FlushInterval: 2 * time.Second,
		OrphanGrace:   2 * time.Second,
		LogLevel:      "info",
	}
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("ring capacity must be positive, got %d", c.RingCapacity)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	if c.OrphanGrace < 0 {
		return fmt.Errorf("orphan grace must not be negative, got %s", c.OrphanGrace)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}

// PidFile is where the live PID record is persisted between runs.
func (c *Config) PidFile() string {
	return filepath.Join(c.DataDir, "pids.json")
}

// OutputDir holds one ring-buffer log per session.
func (c *Config) OutputDir() string {
	return filepath.Join(c.DataDir, "output")
}

// EventLogFile is the human-readable spawn/exit/kill log.
func (c *Config) EventLogFile() string {
	return filepath.Join(c.DataDir, "sessions.log")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "kaizen-term")
	}
	return filepath.Join(os.TempDir(), "kaizen-term")
}
