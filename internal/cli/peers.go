package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peer links",
	Long: `List the node's links and saved peers.

Examples:
  ixnay peers
  ixnay peers --json
  ixnay peers connect 192.168.1.20:7834 --fingerprint 3fa1c0de9b2a4471
  ixnay peers forget 3fa1c0de9b2a4471`,
	RunE: runPeers,
}

var peersConnectCmd = &cobra.Command{
	Use:   "connect <host:port>",
	Short: "Link with a peer by address",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeersConnect,
}

var peersForgetCmd = &cobra.Command{
	Use:   "forget <link-id|fingerprint>",
	Short: "Close a link and stop redialing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeersForget,
}

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Create an invite token",
	Long: `Create a signed invite token another device can redeem with
'ixnay connect'. The token carries this node's address and key
fingerprint. With --secret the redeeming side must also prove it holds the
token's secret before the link opens.

Examples:
  ixnay invite
  ixnay invite --ttl 10m --secret --qr
  ixnay invite revoke <invite-id>`,
	RunE: runInvite,
}

var inviteRevokeCmd = &cobra.Command{
	Use:   "revoke <invite-id>",
	Short: "Withdraw an invite before it expires",
	Args:  cobra.ExactArgs(1),
	RunE:  runInviteRevoke,
}

var connectCmd = &cobra.Command{
	Use:   "connect <token>",
	Short: "Redeem an invite token",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

func init() {
	rootCmd.AddCommand(peersCmd, inviteCmd, connectCmd)
	peersCmd.AddCommand(peersConnectCmd, peersForgetCmd)
	inviteCmd.AddCommand(inviteRevokeCmd)

	peersCmd.Flags().Bool("json", false, "output as JSON")
	peersConnectCmd.Flags().String("fingerprint", "", "expected key fingerprint of the peer")
	inviteCmd.Flags().Duration("ttl", 24*time.Hour, "how long the token stays valid")
	inviteCmd.Flags().Bool("secret", false, "require the token secret to be proven")
	inviteCmd.Flags().Bool("qr", false, "also display the token as a QR code")
}

var (
	stateStyles = map[string]lipgloss.Style{
		"open":       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"degraded":   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"connecting": lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		"closed":     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderState(state string) string {
	if style, ok := stateStyles[state]; ok {
		return style.Render(state)
	}
	return state
}

func runPeers(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.Peers()
	if err != nil {
		return explain(err)
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	if len(p.Links) == 0 {
		fmt.Println(dimStyle.Render("No links."))
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LINK\tPEER\tNAME\tSTATE\tADDR\tQUEUED\tLAST SEEN")
		for _, l := range p.Links {
			dir := "in"
			if l.Outgoing {
				dir = "out"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s (%s)\t%d\t%s\n",
				l.ID[:min(8, len(l.ID))], l.PeerID, l.Name, renderState(l.State), l.Addr, dir, l.Queued, since(l.LastSeen))
		}
		w.Flush()
	}

	if len(p.Saved) > 0 {
		fmt.Println()
		fmt.Println("Saved peers:")
		for _, s := range p.Saved {
			fmt.Printf("  %s  %-16s %s\n", s.Fingerprint, s.Name, s.Addr)
		}
	}
	return nil
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func runPeersConnect(cmd *cobra.Command, args []string) error {
	fingerprint, _ := cmd.Flags().GetString("fingerprint")
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.ConnectPeer(args[0], fingerprint)
	if err != nil {
		return explain(err)
	}
	fmt.Printf("Link %s connecting to %s\n", id, args[0])
	return nil
}

func runPeersForget(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ForgetPeer(args[0]); err != nil {
		return explain(err)
	}
	fmt.Printf("Forgot %s\n", args[0])
	return nil
}

func runInvite(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetDuration("ttl")
	secret, _ := cmd.Flags().GetBool("secret")
	showQR, _ := cmd.Flags().GetBool("qr")

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	inv, err := c.CreateInvite(ttl, secret)
	if err != nil {
		return explain(err)
	}

	fmt.Printf("Invite %s for %s, valid until %s\n",
		inv.Invite.ID, inv.Invite.Addr, inv.Invite.ExpiresAt.Local().Format("2006-01-02 15:04"))
	if inv.Secret {
		fmt.Println(dimStyle.Render("The token embeds a secret; share it only with the person you invite."))
	}
	fmt.Println()
	fmt.Println(inv.Token)
	if showQR {
		qr, err := generateQRCode(inv.Token)
		if err != nil {
			return fmt.Errorf("generate QR code: %w", err)
		}
		fmt.Println()
		fmt.Print(qr)
	}
	fmt.Println()
	fmt.Println("Redeem on the other device with: ixnay connect <token>")
	return nil
}

func runInviteRevoke(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.RevokeInvite(args[0])
	if err != nil {
		return explain(err)
	}
	if !ok {
		return fmt.Errorf("no live invite %s", args[0])
	}
	fmt.Printf("Revoked %s\n", args[0])
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetTimeout(time.Minute)

	l, err := c.ConnectInvite(strings.TrimSpace(args[0]))
	if err != nil {
		return explain(err)
	}
	fmt.Printf("Linked with %s (%s), link %s is %s\n", l.Name, l.PeerID, l.ID, renderState(l.State))
	return nil
}
