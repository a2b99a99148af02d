package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// EnvConfigDir overrides the config directory. Used to run several nodes
// on one machine.
const EnvConfigDir = "IXNAY_CONFIG_DIR"

// Paths holds all platform-specific file paths for ixnay
type Paths struct {
	ConfigDir string // ~/.config/ixnay or equivalent

	IdentityFile    string // identity.enc
	IdentityPubFile string // identity.pub
	ConfigFile      string // config.toml
	PeersFile       string // peers.json
	GraphDB         string // graph.db
	LogFile         string // node.log (Windows only)
}

// GetPaths returns platform-specific paths for ixnay
func GetPaths() (*Paths, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return PathsFor(dir), nil
	}

	var configDir string
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			configDir = filepath.Join(xdg, "ixnay")
			break
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "ixnay")

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return nil, fmt.Errorf("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "ixnay")

	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return PathsFor(configDir), nil
}

// PathsFor lays out the standard files under configDir.
func PathsFor(configDir string) *Paths {
	p := &Paths{
		ConfigDir:       configDir,
		IdentityFile:    filepath.Join(configDir, "identity.enc"),
		IdentityPubFile: filepath.Join(configDir, "identity.pub"),
		ConfigFile:      filepath.Join(configDir, "config.toml"),
		PeersFile:       filepath.Join(configDir, "peers.json"),
		GraphDB:         filepath.Join(configDir, "graph.db"),
	}
	if runtime.GOOS == "windows" {
		p.LogFile = filepath.Join(configDir, "node.log")
	}
	return p
}

// EnsureDirectories creates the config directory with owner-only access.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", p.ConfigDir, err)
	}
	return nil
}

// IdentityExists returns true if an encrypted identity file is present.
func (p *Paths) IdentityExists() bool {
	_, err := os.Stat(p.IdentityFile)
	return err == nil
}

// GraphPath resolves the graph database location, honouring an explicit
// path from config.
func (p *Paths) GraphPath(cfg *Config) string {
	if cfg != nil && cfg.Node.GraphDB != "" {
		return cfg.Node.GraphDB
	}
	return p.GraphDB
}
