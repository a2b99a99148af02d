package cli

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"ixnay.dev/go/ixnay/internal/client"
	"ixnay.dev/go/ixnay/internal/config"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation
var RootCmd = &cobra.Command{
	Use:   "ixnay",
	Short: "Peer-to-peer replicated graph node",
	Long: `ixnay - a peer-to-peer replicated data graph

Every device keeps a full replica of the graph it cares about. Your public
namespace is signed with your identity key and synced to the peers you link
with; the local root never leaves the device. There is no server of record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/ixnay/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}

// loadConfig reads the config named by --config, or the default one.
func loadConfig() (*config.Config, *config.Paths, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, nil, fmt.Errorf("get paths: %w", err)
	}
	path := paths.ConfigFile
	if cfgFile != "" {
		path = cfgFile
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, paths, nil
}

// connect dials the running node's view API.
func connect() (*client.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := client.ConnectTo(net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Node.APIPort)))
	if err != nil {
		if errors.Is(err, client.ErrNodeNotRunning) {
			return nil, errors.New("node is not running, start it with: ixnay serve")
		}
		return nil, err
	}
	return c, nil
}

// explain adds a hint to errors the user can act on.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case client.HasCode(err, client.CodeUnavailable):
		return fmt.Errorf("%w\nlog in first with: ixnay login", err)
	case client.HasCode(err, client.CodeUnauthenticated):
		return fmt.Errorf("%w\ncheck the passphrase, or create an identity with: ixnay init", err)
	default:
		return err
	}
}
