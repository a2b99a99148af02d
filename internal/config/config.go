package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the ixnay configuration file
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	Node      NodeConfig      `toml:"node"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Sync      SyncConfig      `toml:"sync"`
	Logging   LoggingConfig   `toml:"logging"`
}

// IdentityConfig contains identity-related settings
type IdentityConfig struct {
	Name      string `toml:"name"`
	Autologin bool   `toml:"autologin"`
}

// NodeConfig contains listener and storage settings
type NodeConfig struct {
	P2PPort    int    `toml:"p2p_port"`
	APIPort    int    `toml:"api_port"`
	APIEnabled bool   `toml:"api_enabled"`
	GraphDB    string `toml:"graph_db"` // empty means <config dir>/graph.db, ":memory:" keeps nothing
}

// DiscoveryConfig contains peer discovery settings
type DiscoveryConfig struct {
	MDNS      bool     `toml:"mdns"`
	Bootstrap []string `toml:"bootstrap"` // fingerprint@host:port or host:port
}

// SyncConfig tunes link health and repair.
type SyncConfig struct {
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	MissedHeartbeats   int      `toml:"missed_heartbeats"`
	DegradedTimeout    Duration `toml:"degraded_timeout"`
	BackoffBase        Duration `toml:"backoff_base"`
	BackoffMax         Duration `toml:"backoff_max"`
	MaxAttempts        int      `toml:"max_attempts"`
	MalformedThreshold int      `toml:"malformed_threshold"`
	MessagesPerSecond  float64  `toml:"messages_per_second"`
	Burst              int      `toml:"burst"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Duration is a time.Duration that reads "5s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			P2PPort:    7834,
			APIPort:    7835,
			APIEnabled: true,
		},
		Discovery: DiscoveryConfig{
			MDNS:      true,
			Bootstrap: []string{},
		},
		Sync: SyncConfig{
			HeartbeatInterval:  Duration{5 * time.Second},
			MissedHeartbeats:   3,
			DegradedTimeout:    Duration{60 * time.Second},
			BackoffBase:        Duration{500 * time.Millisecond},
			BackoffMax:         Duration{30 * time.Second},
			MaxAttempts:        8,
			MalformedThreshold: 10,
			MessagesPerSecond:  200,
			Burst:              400,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.P2PPort < 0 || c.Node.P2PPort > 65535 {
		return fmt.Errorf("invalid P2P port: %d", c.Node.P2PPort)
	}

	if c.Node.APIEnabled {
		if c.Node.APIPort < 0 || c.Node.APIPort > 65535 {
			return fmt.Errorf("invalid API port: %d", c.Node.APIPort)
		}
	}

	for _, b := range c.Discovery.Bootstrap {
		if _, _, err := ParseBootstrap(b); err != nil {
			return err
		}
	}

	s := c.Sync
	if s.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if s.MissedHeartbeats < 1 {
		return fmt.Errorf("missed_heartbeats must be at least 1")
	}
	if s.BackoffBase.Duration <= 0 || s.BackoffMax.Duration < s.BackoffBase.Duration {
		return fmt.Errorf("invalid backoff range: %s..%s", s.BackoffBase, s.BackoffMax)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if s.MalformedThreshold < 1 {
		return fmt.Errorf("malformed_threshold must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// ParseBootstrap splits "fingerprint@host:port" into its parts. The
// fingerprint is optional.
func ParseBootstrap(s string) (fingerprint, addr string, err error) {
	addr = s
	if i := strings.IndexByte(s, '@'); i >= 0 {
		fingerprint, addr = s[:i], s[i+1:]
	}
	if !strings.Contains(addr, ":") {
		return "", "", fmt.Errorf("invalid bootstrap address %q: missing port", s)
	}
	return fingerprint, addr, nil
}
