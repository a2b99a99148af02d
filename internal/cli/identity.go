package cli

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"ixnay.dev/go/ixnay/internal/config"
	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/keychain"
	"ixnay.dev/go/ixnay/internal/tui"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage this device's identity",
	Long: `Manage the ed25519 identity that signs your public namespace.

Commands:
  show     Show the identity (no passphrase needed)
  backup   Print the 24 recovery words
  recover  Restore an identity from recovery words`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an identity on this device",
	Long: `Create a new identity, encrypted with a passphrase at rest.

Use --keychain to keep the passphrase in the system keychain so that
'ixnay serve' logs in without prompting.

Examples:
  ixnay init
  ixnay init --name ada-laptop --keychain`,
	RunE: runInit,
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the identity",
	RunE:  runIdentityShow,
}

var identityBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export the identity as recovery words",
	Long: `Print the recovery words for your identity. Anyone holding them can
sign as you; store them offline.

Examples:
  ixnay identity backup
  ixnay identity backup --qr
  ixnay identity backup --output backup.txt`,
	RunE: runIdentityBackup,
}

var identityRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore an identity from recovery words",
	Long: `Rebuild your identity from its 24 recovery words and protect it with a
new passphrase. Replicas you linked with before recognise the restored
identity, since the keys are the same.

Examples:
  ixnay identity recover
  ixnay identity recover --words "abandon ability ..." --name ada-desktop`,
	RunE: runIdentityRecover,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityShowCmd, identityBackupCmd, identityRecoverCmd)

	initCmd.Flags().String("name", "", "identity name (default: username-hostname)")
	initCmd.Flags().Bool("keychain", false, "store the passphrase in the system keychain for autologin")

	identityBackupCmd.Flags().Bool("qr", false, "display the words as a QR code")
	identityBackupCmd.Flags().Bool("plain", false, "plain text output (no box)")
	identityBackupCmd.Flags().String("output", "", "write to file instead of stdout")

	identityRecoverCmd.Flags().String("words", "", "recovery words (prompted when omitted)")
	identityRecoverCmd.Flags().String("name", "", "identity name (default: username-hostname)")
	identityRecoverCmd.Flags().Bool("force", false, "replace an existing identity")
	identityRecoverCmd.Flags().Bool("keychain", false, "store the passphrase in the system keychain for autologin")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return err
	}
	if paths.IdentityExists() {
		return fmt.Errorf("identity already exists at %s", paths.IdentityFile)
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		if name, err = defaultIdentityName(); err != nil {
			return fmt.Errorf("pick a name with --name: %w", err)
		}
	}

	id, err := crypto.GenerateIdentity(name)
	if err != nil {
		return err
	}
	defer id.Destroy()

	useKeychain, _ := cmd.Flags().GetBool("keychain")
	if err := saveIdentity(cfg, paths, id, useKeychain); err != nil {
		return err
	}

	fmt.Println("Identity created.")
	fmt.Println()
	printIdentity(id.Public())
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Back up your recovery words: ixnay identity backup")
	fmt.Println("  2. Start the node:              ixnay serve")
	return nil
}

// saveIdentity asks for a new passphrase and persists id with it.
func saveIdentity(cfg *config.Config, paths *config.Paths, id *crypto.Identity, useKeychain bool) error {
	if useKeychain && !keychain.IsAvailable() {
		return errors.New("system keychain is not available on this host, omit --keychain")
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	passphrase, err := tui.ReadNewPassword("New passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(passphrase)

	if err := id.SaveEncrypted(paths.IdentityFile, passphrase); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	if err := id.SavePublic(paths.IdentityPubFile); err != nil {
		return fmt.Errorf("save public identity: %w", err)
	}

	cfg.Identity.Name = id.Name
	if useKeychain {
		if err := keychain.NewSystem("").Set(string(passphrase)); err != nil {
			return fmt.Errorf("store passphrase in keychain: %w", err)
		}
		cfg.Identity.Autologin = true
	}
	path := paths.ConfigFile
	if cfgFile != "" {
		path = cfgFile
	}
	return cfg.SaveTo(path)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	_, paths, err := loadConfig()
	if err != nil {
		return err
	}
	if !paths.IdentityExists() {
		fmt.Println("No identity found.")
		fmt.Println()
		fmt.Println("To create an identity, run: ixnay init")
		return nil
	}

	pub, err := crypto.LoadPublic(paths.IdentityPubFile)
	if err != nil {
		return fmt.Errorf("load public identity: %w", err)
	}
	printIdentity(pub)
	fmt.Println()
	fmt.Printf("Identity file: %s\n", paths.IdentityFile)
	fmt.Printf("Public file:   %s\n", paths.IdentityPubFile)
	return nil
}

func printIdentity(pub *crypto.PublicIdentity) {
	fmt.Printf("Name:        %s\n", pub.Name)
	fmt.Printf("Fingerprint: %s\n", pub.Fingerprint())
	fmt.Printf("Public key:  %s\n", crypto.EncodePublicKey(pub.SigningPub))
	fmt.Printf("Created:     %s\n", pub.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
}

func runIdentityBackup(cmd *cobra.Command, args []string) error {
	qrFlag, _ := cmd.Flags().GetBool("qr")
	plain, _ := cmd.Flags().GetBool("plain")
	output, _ := cmd.Flags().GetString("output")

	_, paths, err := loadConfig()
	if err != nil {
		return err
	}
	if !paths.IdentityExists() {
		return errors.New("no identity found, create one with: ixnay init")
	}

	passphrase, err := tui.ReadPassword("Passphrase: ")
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(passphrase)

	id, err := crypto.LoadEncrypted(paths.IdentityFile, passphrase)
	if err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}
	defer id.Destroy()

	mnemonic, err := crypto.IdentityToMnemonic(id)
	if err != nil {
		return fmt.Errorf("encode recovery words: %w", err)
	}

	var result string
	switch {
	case qrFlag:
		if result, err = generateQRCode(mnemonic); err != nil {
			return fmt.Errorf("generate QR code: %w", err)
		}
	case plain:
		result = fmt.Sprintf("Recovery words: %s\n", mnemonic)
	default:
		result = formatPaperBackup(id.Public(), strings.Fields(mnemonic))
	}

	if output == "" {
		fmt.Print(result)
		return nil
	}
	if err := os.WriteFile(output, []byte(result), 0600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	fmt.Printf("Backup written to %s\n", output)
	fmt.Println("Store this file securely and delete after printing.")
	return nil
}

func formatPaperBackup(pub *crypto.PublicIdentity, words []string) string {
	var sb strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&sb, "|  %-60s|\n", fmt.Sprintf(format, args...))
	}
	border := "+" + strings.Repeat("=", 62) + "+\n"

	sb.WriteString("\n" + border)
	line("%s", "IXNAY IDENTITY BACKUP")
	line("")
	line("Name:        %s", pub.Name)
	line("Fingerprint: %s", pub.Fingerprint())
	line("Created:     %s", pub.CreatedAt.Format("2006-01-02"))
	line("")
	line("Recovery words (%d):", len(words))
	line("")

	rows := (len(words) + 3) / 4
	for row := 0; row < rows; row++ {
		var cols strings.Builder
		for col := 0; col < 4; col++ {
			idx := row + col*rows
			if idx < len(words) {
				fmt.Fprintf(&cols, "%2d. %-10s", idx+1, words[idx])
			}
		}
		line("%s", cols.String())
	}

	line("")
	line("Anyone with these words can sign as you.")
	sb.WriteString(border)
	return sb.String()
}

func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

func runIdentityRecover(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if paths.IdentityExists() && !force {
		return fmt.Errorf("identity already exists at %s (use --force to replace it)", paths.IdentityFile)
	}

	mnemonic, _ := cmd.Flags().GetString("words")
	if mnemonic == "" {
		if mnemonic, err = tui.ReadLine("Recovery words: "); err != nil {
			return err
		}
	}
	if err := crypto.ValidateMnemonic(mnemonic); err != nil {
		return fmt.Errorf("invalid recovery words: %w", err)
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = cfg.Identity.Name
	}
	if name == "" {
		if name, err = defaultIdentityName(); err != nil {
			return fmt.Errorf("pick a name with --name: %w", err)
		}
	}

	id, err := crypto.IdentityFromMnemonic(mnemonic, name)
	if err != nil {
		return err
	}
	defer id.Destroy()

	useKeychain, _ := cmd.Flags().GetBool("keychain")
	if err := saveIdentity(cfg, paths, id, useKeychain); err != nil {
		return err
	}
	fmt.Println("Identity recovered.")
	fmt.Println()
	printIdentity(id.Public())
	return nil
}

func defaultIdentityName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "local"
	}
	if idx := strings.Index(hostname, "."); idx > 0 {
		hostname = hostname[:idx]
	}
	if len(hostname) > 20 {
		hostname = hostname[:20]
	}
	return fmt.Sprintf("%s-%s", u.Username, hostname), nil
}
