// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration: YAML file loading, defaults, validation, and a
// thread-safe store with reload propagation.

package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the library logger.
type LogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// ChannelConfig overrides per-channel settings.
type ChannelConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// EventConfig controls the asynchronous event subsystem.
type EventConfig struct {
	MaxThreads        int           `yaml:"max_threads"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	IOTimeout         time.Duration `yaml:"io_timeout"`
	AutoCancel        bool          `yaml:"auto_cancel"`
}

// Config is the complete client runtime configuration.
type Config struct {
	SocketDir      string                   `yaml:"socket_dir"`
	DefaultChannel string                   `yaml:"default_channel"`
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	PoolCapacity   int                      `yaml:"pool_capacity"`
	MaxAlternate   int                      `yaml:"max_alternate"`
	Log            LogConfig                `yaml:"log"`
	Channels       map[string]ChannelConfig `yaml:"channels"`
	Event          EventConfig              `yaml:"event"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		SocketDir:      "/var/run/ipc",
		DefaultChannel: "ipcd",
		DefaultTimeout: 30 * time.Second,
		PoolCapacity:   32,
		MaxAlternate:   1 << 16,
		Log: LogConfig{
			Enabled: false,
			Level:   "info",
			Format:  "json",
		},
		Channels: map[string]ChannelConfig{},
		Event: EventConfig{
			MaxThreads:        16,
			IdleTimeout:       10 * time.Second,
			ReconnectInterval: 10 * time.Second,
			IOTimeout:         10 * time.Second,
			AutoCancel:        false,
		},
	}
}

// Load reads a YAML file on top of Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	ext := filepath.Ext(path)
	if ext != ".yaml" && ext != ".yml" {
		return cfg, fmt.Errorf("configuration file must have .yaml or .yml extension, got: %q", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SocketDir == "" {
		return fmt.Errorf("socket_dir must not be empty")
	}
	if c.DefaultChannel == "" {
		return fmt.Errorf("default_channel must not be empty")
	}
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool_capacity must be positive, got %d", c.PoolCapacity)
	}
	if c.MaxAlternate <= 0 {
		return fmt.Errorf("max_alternate must be positive, got %d", c.MaxAlternate)
	}
	if c.Event.MaxThreads <= 0 {
		return fmt.Errorf("event.max_threads must be positive, got %d", c.Event.MaxThreads)
	}
	if c.Event.ReconnectInterval <= 0 {
		return fmt.Errorf("event.reconnect_interval must be positive")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}
	return nil
}

// ChannelPath returns the socket path and timeout for a channel name.
func (c *Config) ChannelPath(name string) (string, time.Duration) {
	path := filepath.Join(c.SocketDir, name)
	timeout := c.DefaultTimeout
	if cc, ok := c.Channels[name]; ok {
		if cc.Path != "" {
			path = cc.Path
		}
		if cc.Timeout != 0 {
			timeout = cc.Timeout
		}
	}
	return path, timeout
}

// Store holds the live configuration snapshot with listener support.
type Store struct {
	mu        sync.Mutex
	cfg       atomic.Pointer[Config]
	listeners []func(Config)
}

// NewStore initializes a store with cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.cfg.Store(&cfg)
	return s
}

// Snapshot returns the current configuration.
func (s *Store) Snapshot() Config {
	return *s.cfg.Load()
}

// Update applies fn to a copy of the configuration, publishes it and
// notifies listeners synchronously.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cfg.Load()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg.Store(&next)
	for _, l := range s.listeners {
		l(next)
	}
	return nil
}

// OnReload registers a listener hook called on config changes.
func (s *Store) OnReload(fn func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
