// Package config provides YAML configuration loading and validation for the
// dirwatch daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dirwatch/dirwatch/internal/pattern"
	"github.com/dirwatch/dirwatch/internal/watcher"
)

// Config is the top-level configuration structure for the dirwatch daemon.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Backend selects the OS notification backend: "auto", "inotify" or
	// "fsnotify". Defaults to "auto".
	Backend string `yaml:"backend"`

	// StatusAddr is the listen address for the status HTTP server
	// (e.g. "127.0.0.1:9100"). Defaults to "127.0.0.1:9100" when omitted.
	StatusAddr string `yaml:"status_addr"`

	// Journal configures the event journal. Journaling is disabled when
	// Driver is empty.
	Journal JournalConfig `yaml:"journal"`

	// Stream configures the live WebSocket event stream.
	Stream StreamConfig `yaml:"stream"`

	// Auth enables JWT verification on /api/v1 when PublicKeyPath is set.
	Auth AuthConfig `yaml:"auth"`

	// Watches is the list of directories to watch.
	Watches []WatchConfig `yaml:"watches"`
}

// JournalConfig selects and addresses the journal store.
type JournalConfig struct {
	// Driver is "sqlite", "postgres", "chain", or empty to disable the
	// journal.
	Driver string `yaml:"driver"`

	// DSN is a file path for sqlite and chain, or a connection string for
	// postgres.
	// Required when Driver is set.
	DSN string `yaml:"dsn"`
}

// StreamConfig tunes the WebSocket broadcaster.
type StreamConfig struct {
	// BufferSize is the per-client send buffer. Defaults to 64.
	BufferSize int `yaml:"buffer_size"`
}

// AuthConfig holds the RS256 verification settings for the status API.
type AuthConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key. Empty disables auth.
	PublicKeyPath string `yaml:"public_key_path"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
	// Audience, when set, must be present in the token's aud claim.
	Audience string `yaml:"audience"`
}

// WatchConfig describes one watched directory and the sinks that receive
// its events.
type WatchConfig struct {
	// Name is a human-readable identifier (e.g. "incoming"). Required and
	// unique.
	Name string `yaml:"name"`

	// Dir is the directory to watch. Required.
	Dir string `yaml:"dir"`

	// Patterns filters events by entry name. Empty matches everything.
	Patterns []string `yaml:"patterns"`

	// Log writes each event to the structured log.
	Log bool `yaml:"log"`
	// Journal records each event in the journal. Requires journal.driver.
	Journal bool `yaml:"journal"`
	// Stream publishes each event to WebSocket clients.
	Stream bool `yaml:"stream"`
}

// Journal drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverChain    = "chain"
)

const (
	defaultStatusAddr = "127.0.0.1:9100"
	defaultBufferSize = 64
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"":             true,
	DriverSQLite:   true,
	DriverPostgres: true,
	DriverChain:    true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Backend == "" {
		cfg.Backend = string(watcher.BackendAuto)
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = defaultStatusAddr
	}
	if cfg.Stream.BufferSize <= 0 {
		cfg.Stream.BufferSize = defaultBufferSize
	}
	for i := range cfg.Watches {
		w := &cfg.Watches[i]
		// A watch with no sink would be silent; log by default.
		if !w.Log && !w.Journal && !w.Stream {
			w.Log = true
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if _, err := watcher.ParseBackend(cfg.Backend); err != nil {
		errs = append(errs, fmt.Errorf("backend %q must be one of: auto, inotify, fsnotify", cfg.Backend))
	}
	if !validDrivers[cfg.Journal.Driver] {
		errs = append(errs, fmt.Errorf("journal.driver %q must be one of: sqlite, postgres, chain", cfg.Journal.Driver))
	}
	if cfg.Journal.Driver != "" && cfg.Journal.DSN == "" {
		errs = append(errs, errors.New("journal.dsn is required when journal.driver is set"))
	}

	seen := make(map[string]bool, len(cfg.Watches))
	for i, w := range cfg.Watches {
		prefix := fmt.Sprintf("watches[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[w.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, w.Name))
		}
		seen[w.Name] = true

		if w.Dir == "" {
			errs = append(errs, fmt.Errorf("%s: dir is required", prefix))
		}
		for _, p := range w.Patterns {
			if _, err := pattern.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			}
		}
		if w.Journal && cfg.Journal.Driver == "" {
			errs = append(errs, fmt.Errorf("%s: journal is enabled but journal.driver is not set", prefix))
		}
	}

	return errors.Join(errs...)
}
