// Package config loads server configuration: defaults, then an optional
// YAML/JSON file, then QUARRY_* environment variables, each layer
// overriding the previous one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration tree.
type Config struct {
	// DataDir holds the storage directory. Empty means the platform default
	// under the user's data dir.
	DataDir string `yaml:"data_dir" json:"data_dir" env:"QUARRY_DATA_DIR"`

	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Engine  EngineConfig  `yaml:"engine" json:"engine"`
	Ledger  LedgerConfig  `yaml:"ledger" json:"ledger"`
}

// HTTPConfig configures the admin/API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr" env:"QUARRY_HTTP_ADDR"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"QUARRY_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"QUARRY_LOG_FORMAT"`
}

// StorageConfig configures durability.
type StorageConfig struct {
	// Fsync is one of always, interval, never.
	Fsync         string        `yaml:"fsync" json:"fsync" env:"QUARRY_FSYNC"`
	FsyncInterval time.Duration `yaml:"fsync_interval" json:"fsync_interval" env:"QUARRY_FSYNC_INTERVAL"`
}

// EngineConfig tunes queue behavior shared by all queues unless overridden
// per queue in the registry.
type EngineConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" env:"QUARRY_SWEEP_INTERVAL"`
	SweepBatch    int           `yaml:"sweep_batch" json:"sweep_batch" env:"QUARRY_SWEEP_BATCH"`
	BackoffBase   time.Duration `yaml:"backoff_base" json:"backoff_base" env:"QUARRY_BACKOFF_BASE"`
	BackoffCap    time.Duration `yaml:"backoff_cap" json:"backoff_cap" env:"QUARRY_BACKOFF_CAP"`
	BackoffJitter bool          `yaml:"backoff_jitter" json:"backoff_jitter" env:"QUARRY_BACKOFF_JITTER"`
	Workers       int           `yaml:"workers" json:"workers" env:"QUARRY_WORKERS"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval" env:"QUARRY_POLL_INTERVAL"`
	LeaseDuration time.Duration `yaml:"lease_duration" json:"lease_duration" env:"QUARRY_LEASE_DURATION"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" json:"drain_timeout" env:"QUARRY_DRAIN_TIMEOUT"`
}

// LedgerConfig tunes run-history retention.
type LedgerConfig struct {
	MaxRunsPerQueue int           `yaml:"max_runs_per_queue" json:"max_runs_per_queue" env:"QUARRY_LEDGER_MAX_RUNS"`
	MaxAge          time.Duration `yaml:"max_age" json:"max_age" env:"QUARRY_LEDGER_MAX_AGE"`
	// TrimSchedule is a cron spec for the retention job.
	TrimSchedule string `yaml:"trim_schedule" json:"trim_schedule" env:"QUARRY_LEDGER_TRIM_SCHEDULE"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":7420"},
		Log:  LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Fsync:         "always",
			FsyncInterval: 5 * time.Millisecond,
		},
		Engine: EngineConfig{
			SweepInterval: 5 * time.Second,
			SweepBatch:    128,
			BackoffBase:   5 * time.Second,
			BackoffCap:    10 * time.Minute,
			BackoffJitter: true,
			Workers:       4,
			PollInterval:  500 * time.Millisecond,
			DrainTimeout:  30 * time.Second,
		},
		Ledger: LedgerConfig{
			MaxRunsPerQueue: 10_000,
			MaxAge:          14 * 24 * time.Hour,
			TrimSchedule:    "@every 1h",
		},
	}
}

// Load builds the configuration: Default, overlaid by the file at path (if
// non-empty), overlaid by environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		// yaml.v3 handles JSON files too; the extension is just a hint.
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return Config{}, err
		}
		cfg.DataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Storage.Fsync) {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("config: storage.fsync must be always, interval or never (got %q)", c.Storage.Fsync)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine.workers must be positive (got %d)", c.Engine.Workers)
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("config: engine.sweep_interval must be positive")
	}
	return nil
}

// DefaultDataDir returns the platform data directory for the server,
// creating nothing.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "quarry"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "quarry"), nil
}
