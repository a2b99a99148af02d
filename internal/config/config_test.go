package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Node.P2PPort != 7834 {
		t.Errorf("expected default p2p port, got %d", cfg.Node.P2PPort)
	}
}

func TestLoadFromOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[identity]
name = "alice"
autologin = true

[node]
p2p_port = 9000

[discovery]
mdns = false
bootstrap = ["0123456789abcdef@10.0.0.2:7834", "peer.example:7834"]

[sync]
heartbeat_interval = "2s"
backoff_max = "1m"

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Identity.Name != "alice" || !cfg.Identity.Autologin {
		t.Errorf("identity section not applied: %+v", cfg.Identity)
	}
	if cfg.Node.P2PPort != 9000 {
		t.Errorf("p2p_port = %d", cfg.Node.P2PPort)
	}
	if cfg.Node.APIPort != 7835 {
		t.Errorf("api_port should keep default, got %d", cfg.Node.APIPort)
	}
	if cfg.Discovery.MDNS {
		t.Error("mdns should be disabled")
	}
	if len(cfg.Discovery.Bootstrap) != 2 {
		t.Errorf("bootstrap = %v", cfg.Discovery.Bootstrap)
	}
	if cfg.Sync.HeartbeatInterval.Duration != 2*time.Second {
		t.Errorf("heartbeat_interval = %s", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Sync.BackoffMax.Duration != time.Minute {
		t.Errorf("backoff_max = %s", cfg.Sync.BackoffMax)
	}
	if cfg.Sync.MissedHeartbeats != 3 {
		t.Errorf("missed_heartbeats should keep default, got %d", cfg.Sync.MissedHeartbeats)
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Identity.Name = "bob"
	cfg.Sync.DegradedTimeout = Duration{90 * time.Second}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Identity.Name != "bob" {
		t.Errorf("name = %q", loaded.Identity.Name)
	}
	if loaded.Sync.DegradedTimeout.Duration != 90*time.Second {
		t.Errorf("degraded_timeout = %s", loaded.Sync.DegradedTimeout)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Node.P2PPort = 70000 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero heartbeat", func(c *Config) { c.Sync.HeartbeatInterval = Duration{} }},
		{"inverted backoff", func(c *Config) { c.Sync.BackoffMax = Duration{time.Millisecond} }},
		{"no attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"bootstrap without port", func(c *Config) { c.Discovery.Bootstrap = []string{"abc@host"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseBootstrap(t *testing.T) {
	fp, addr, err := ParseBootstrap("abcd@127.0.0.1:7834")
	if err != nil || fp != "abcd" || addr != "127.0.0.1:7834" {
		t.Errorf("got %q %q %v", fp, addr, err)
	}

	fp, addr, err = ParseBootstrap("127.0.0.1:7834")
	if err != nil || fp != "" || addr != "127.0.0.1:7834" {
		t.Errorf("got %q %q %v", fp, addr, err)
	}
}

func TestGetPathsHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)

	p, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths: %v", err)
	}
	if p.ConfigDir != dir {
		t.Errorf("ConfigDir = %s", p.ConfigDir)
	}
	if p.GraphDB != filepath.Join(dir, "graph.db") {
		t.Errorf("GraphDB = %s", p.GraphDB)
	}
	if p.IdentityExists() {
		t.Error("no identity should exist yet")
	}

	cfg := Default()
	cfg.Node.GraphDB = ":memory:"
	if p.GraphPath(cfg) != ":memory:" {
		t.Error("explicit graph_db should win")
	}
}
