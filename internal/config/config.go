// Package config handles twinlink client configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./twinlink.yaml, ~/.config/twinlink/config.yaml, /config/twinlink.yaml,
// /etc/twinlink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"twinlink.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "twinlink", "config.yaml"))
	}

	paths = append(paths, "/config/twinlink.yaml") // Container convention
	paths = append(paths, "/etc/twinlink/config.yaml")
	return paths
}

// searchPathsFunc is DefaultSearchPaths by default; tests override it so
// FindConfig("") doesn't accidentally pick up a real file on the machine
// running the tests.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all twinlink client configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Bus        BusConfig        `yaml:"bus"`
	Search     SearchConfig     `yaml:"search"`
	LogLevel   string           `yaml:"log_level"`
}

// ConnectionConfig defines how the client reaches the remote endpoint.
type ConnectionConfig struct {
	// URL is the websocket endpoint, e.g. wss://twin.example.com/ws.
	URL string `yaml:"url"`
	// AuthToken is sent as a bearer token on the initial handshake.
	AuthToken string `yaml:"auth_token"`
	// RequestTimeout bounds how long Submit waits for a correlated
	// response before failing with a timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ReconnectEnabled controls whether a dropped socket is retried with
	// backoff (true) or surfaces as a terminal disconnect (false).
	ReconnectEnabled bool `yaml:"reconnect_enabled"`
}

// BufferConfig defines outbound buffering behavior while the connection is
// degraded (back-pressured, buffering, or reconnecting). spec.md §6 calls
// this option `bufferSize: int | none`: Enabled false is the `none` case,
// under which every non-connected submission fails fast instead of
// queuing.
type BufferConfig struct {
	// Enabled turns outbound buffering on or off. Defaults to true;
	// set explicitly to false to get spec.md §6's `bufferSize: none`
	// fail-fast behavior regardless of Size.
	Enabled *bool `yaml:"enabled"`
	// Size is the maximum number of outbound frames held while degraded.
	// A submission beyond this fails with a buffer-overflow error rather
	// than displacing an older entry. Ignored when Enabled is false.
	Size int `yaml:"size"`
}

// enabled reports whether buffering is on, defaulting to true when
// Enabled was never set.
func (c BufferConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// BackoffConfig mirrors transport.BackoffConfig in YAML-friendly form so it
// can be loaded from a config file.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"max_retries"`
}

// BusConfig tunes the C2 dispatch bus.
type BusConfig struct {
	// QueueSize bounds the number of pending published frames awaiting
	// the dispatcher goroutine.
	QueueSize int `yaml:"queue_size"`
	// WorkerLimit bounds concurrent non-sequential callback delivery.
	WorkerLimit int64 `yaml:"worker_limit"`
}

// SearchConfig tunes the C3 search-subscription driver.
type SearchConfig struct {
	// IdleTimeout is how long a search subscription may go without a
	// message before it is treated as abandoned by the server.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// DispatchQueueDepth is a job queue depth for a search.SerialDispatcher.
	// It is loaded and defaulted only: nothing in this module reads it, and
	// search.NewSerialDispatcher takes its depth as an argument.
	DispatchQueueDepth int `yaml:"dispatch_queue_depth"`
}

// Configured reports whether enough connection information is present to
// attempt a dial.
func (c ConnectionConfig) Configured() bool {
	return c.URL != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${TWINLINK_AUTH_TOKEN}). This
	// is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Connection.RequestTimeout == 0 {
		c.Connection.RequestTimeout = 10 * time.Second
	}
	if c.Buffer.Size == 0 {
		c.Buffer.Size = 256
	}
	if c.Buffer.Enabled == nil {
		enabled := true
		c.Buffer.Enabled = &enabled
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = 2 * time.Second
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = 60 * time.Second
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = 2.0
	}
	if c.Backoff.MaxRetries == 0 {
		c.Backoff.MaxRetries = 10
	}
	if c.Bus.QueueSize == 0 {
		c.Bus.QueueSize = 256
	}
	if c.Bus.WorkerLimit == 0 {
		c.Bus.WorkerLimit = 32
	}
	if c.Search.IdleTimeout == 0 {
		c.Search.IdleTimeout = 30 * time.Second
	}
	if c.Search.DispatchQueueDepth == 0 {
		c.Search.DispatchQueueDepth = 32
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Buffer.enabled() && c.Buffer.Size < 1 {
		return fmt.Errorf("buffer.size %d must be >= 1", c.Buffer.Size)
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier %v must be >= 1", c.Backoff.Multiplier)
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("backoff.max_delay %v must be >= backoff.initial_delay %v", c.Backoff.MaxDelay, c.Backoff.InitialDelay)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Connection: ConnectionConfig{
			ReconnectEnabled: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
