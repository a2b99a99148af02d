package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/keychain"
	"ixnay.dev/go/ixnay/internal/node"
	"ixnay.dev/go/ixnay/internal/session"
	"ixnay.dev/go/ixnay/internal/tui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node in the foreground",
	Long: `Run the node: open the graph database, log in, link with peers and
serve the view API on the loopback interface.

Login uses the keychain passphrase when autologin is enabled, otherwise
the passphrase is prompted. With --no-login the node starts locked; links
come up once a view or 'ixnay login' unlocks the identity.

Examples:
  ixnay serve
  ixnay serve --no-login
  IXNAY_CONFIG_DIR=/tmp/second ixnay serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-login", false, "start without unlocking the identity")
	serveCmd.Flags().String("log-format", "", "log format override (text, json)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return err
	}
	if verboseLog {
		cfg.Logging.Level = "debug"
	}
	if f, _ := cmd.Flags().GetString("log-format"); f != "" {
		cfg.Logging.Format = f
	}

	var logOut io.Writer = os.Stderr
	if paths.LogFile != "" {
		f, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err == nil {
			defer f.Close()
			logOut = io.MultiWriter(os.Stderr, f)
		}
	}
	buffer := node.NewLogBuffer(node.LogBufferSize)

	n, err := node.New(node.Options{
		Config:    cfg,
		Paths:     paths,
		Keychain:  keychain.NewSystem(""),
		Logger:    node.NewLogger(cfg.Logging, logOut, buffer),
		LogBuffer: buffer,
	})
	if err != nil {
		return err
	}

	var creds *session.Credentials
	if noLogin, _ := cmd.Flags().GetBool("no-login"); !noLogin {
		if creds, err = serveCredentials(cfg.Identity.Autologin, paths.IdentityExists()); err != nil {
			n.Stop()
			return err
		}
		if creds != nil {
			defer crypto.ZeroBytes(creds.Passphrase)
		}
	}

	return n.Run(context.Background(), creds)
}

func serveCredentials(autologin, haveIdentity bool) (*session.Credentials, error) {
	if !haveIdentity {
		fmt.Fprintln(os.Stderr, "No identity yet; starting locked. Create one with: ixnay init")
		return nil, nil
	}
	if autologin {
		return &session.Credentials{Autologin: true}, nil
	}
	pass, err := tui.ReadPassword("Passphrase: ")
	if err != nil {
		return nil, err
	}
	return &session.Credentials{Passphrase: pass}, nil
}
