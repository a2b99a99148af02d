package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/tui"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Unlock the identity on the running node",
	Long: `Unlock the node's identity with its passphrase, or with recovery words.

With --remember the passphrase goes into the system keychain so the node
can log in unattended next time.

Examples:
  ixnay login
  ixnay login --remember
  ixnay login --mnemonic`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Lock the identity and close peer links",
	Long: `Wipe the key from the node's memory and close every peer link.
With --delete the identity files and keychain entry are removed too.`,
	RunE: runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the session identity",
	RunE:  runWhoami,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, statusCmd)

	loginCmd.Flags().Bool("remember", false, "store the passphrase in the system keychain")
	loginCmd.Flags().Bool("mnemonic", false, "log in with recovery words")
	logoutCmd.Flags().Bool("delete", false, "delete the identity from this device")
}

func runLogin(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	remember, _ := cmd.Flags().GetBool("remember")
	useMnemonic, _ := cmd.Flags().GetBool("mnemonic")

	var words string
	if useMnemonic {
		if words, err = tui.ReadLine("Recovery words: "); err != nil {
			return err
		}
	}
	prompt := "Passphrase: "
	if useMnemonic {
		prompt = "Passphrase (empty to keep the key in memory only): "
	}
	pass, err := tui.ReadPassword(prompt)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(pass)

	w, err := c.Login(string(pass), words, remember)
	if err != nil {
		return explain(err)
	}
	fmt.Printf("Logged in as %s (%s)\n", w.Name, w.Fingerprint)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	del, _ := cmd.Flags().GetBool("delete")
	if del {
		ok, err := tui.Confirm("Delete the identity from this device? Without a backup it is gone.", false)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Logout(del); err != nil {
		return err
	}
	if del {
		fmt.Println("Logged out and identity deleted.")
	} else {
		fmt.Println("Logged out.")
	}
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		// the identity file answers the question without a node
		return runIdentityShow(cmd, args)
	}
	defer c.Close()

	w, err := c.Whoami()
	if err != nil {
		return err
	}
	switch {
	case w.LoggedIn:
		fmt.Printf("Name:        %s\n", w.Name)
		fmt.Printf("Fingerprint: %s\n", w.Fingerprint)
		fmt.Printf("Public key:  %s\n", w.PublicKey)
	case w.HasIdentity:
		fmt.Println("Not logged in. Run: ixnay login")
	default:
		fmt.Println("No identity found. Run: ixnay init")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	s, err := c.Status()
	if err != nil {
		return err
	}
	fmt.Printf("Node:          running (pid %d, up %s)\n", s.PID, s.Uptime)
	fmt.Printf("View API:      %s\n", s.APIAddr)
	if s.LoggedIn {
		fmt.Printf("Identity:      %s (%s)\n", s.Identity, s.Fingerprint)
		fmt.Printf("P2P address:   %s\n", s.P2PAddr)
		fmt.Printf("Links:         %d\n", s.Links)
	} else {
		fmt.Println("Identity:      locked")
	}
	fmt.Printf("Souls:         %d\n", s.Souls)
	fmt.Printf("Subscriptions: %d\n", s.Subscriptions)
	return nil
}
