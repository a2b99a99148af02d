package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ixnay.dev/go/ixnay/internal/client"
	"ixnay.dev/go/ixnay/internal/tui"
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read a value",
	Long: `Resolve a slash-separated path and print its value as JSON.

Paths start at the local root unless --public is given; --pub reads
another user's public namespace.

Examples:
  ixnay get profile/name
  ixnay get --public store/products
  ixnay get --pub <key> bio`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var putCmd = &cobra.Command{
	Use:   "put <path> [value]",
	Short: "Write a value",
	Long: `Write a value at a slash-separated path. Values that parse as JSON
(numbers, true/false, null, quoted strings, {"#": soul}) are written as
such; anything else is written as a string.

Public writes are signed with your identity and replicate to your peers.

Examples:
  ixnay put profile/name Ada
  ixnay put --public bio "Building things"
  ixnay put --public store/open true
  ixnay put --delete --public bio`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Follow a value as it changes",
	Long: `Subscribe to a path and show every change, local or from peers.

Examples:
  ixnay watch profile/name
  ixnay watch --pub <key> bio
  ixnay watch --plain --public store/open
  ixnay watch --debounce 500ms unseenTotal`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	for _, cmd := range []*cobra.Command{getCmd, putCmd, watchCmd} {
		cmd.Flags().Bool("public", false, "resolve under your public namespace")
		cmd.Flags().String("pub", "", "resolve under this user's public namespace")
		rootCmd.AddCommand(cmd)
	}
	putCmd.Flags().Bool("string", false, "always write the value as a string")
	putCmd.Flags().Bool("delete", false, "write a tombstone")
	watchCmd.Flags().Bool("plain", false, "print one line per change instead of the interactive view")
	watchCmd.Flags().Duration("debounce", 0, "only show a value once it has been stable this long")
}

// splitPath turns "a/b/c" into segments, ignoring empty ones.
func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func targetFor(cmd *cobra.Command, path string) (client.Target, error) {
	public, _ := cmd.Flags().GetBool("public")
	pub, _ := cmd.Flags().GetString("pub")
	t := client.Target{Scope: client.ScopeLocal, Path: splitPath(path)}
	if public || pub != "" {
		t.Scope = client.ScopePublic
		t.Pub = pub
	}
	if len(t.Path) == 0 && t.Scope == client.ScopeLocal {
		return t, errors.New("path is empty")
	}
	return t, nil
}

// parseValue reads a command-line value as JSON when it is valid JSON,
// otherwise as a string.
func parseValue(s string, forceString bool) json.RawMessage {
	if !forceString && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func describeTarget(t client.Target) string {
	root := "local"
	if t.Scope == client.ScopePublic {
		root = "public"
		if t.Pub != "" {
			root = "~" + t.Pub
		}
	}
	return strings.Join(append([]string{root}, t.Path...), "/")
}

func runGet(cmd *cobra.Command, args []string) error {
	t, err := targetFor(cmd, args[0])
	if err != nil {
		return err
	}
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.Get(t)
	if err != nil {
		return explain(err)
	}
	if !v.Found {
		return fmt.Errorf("%s: not found", describeTarget(t))
	}
	fmt.Println(string(v.Value))
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	t, err := targetFor(cmd, args[0])
	if err != nil {
		return err
	}
	del, _ := cmd.Flags().GetBool("delete")
	forceString, _ := cmd.Flags().GetBool("string")

	var value json.RawMessage
	switch {
	case del:
		value = json.RawMessage("null")
	case len(args) == 2:
		value = parseValue(args[1], forceString)
	default:
		return errors.New("a value is required (or --delete)")
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	state, err := c.Put(t, value)
	if err != nil {
		return explain(err)
	}
	if verboseLog {
		fmt.Printf("%s = %s (state %d)\n", describeTarget(t), value, state)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	t, err := targetFor(cmd, args[0])
	if err != nil {
		return err
	}
	plain, _ := cmd.Flags().GetBool("plain")
	debounce, _ := cmd.Flags().GetDuration("debounce")

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := c.SubscribeDebounced(t, debounce)
	if err != nil {
		return explain(err)
	}

	updates := make(chan tui.Update, 16)
	go func() {
		defer close(updates)
		for ev := range c.Events() {
			if ev.Event != "value" {
				continue
			}
			var v client.Value
			if json.Unmarshal(ev.Payload, &v) != nil || v.Sub != sub {
				continue
			}
			updates <- tui.Update{Time: time.Now(), Found: v.Found, Value: string(v.Value), State: v.State}
		}
	}()

	if !plain && tui.IsStdoutTerminal() {
		return tui.RunWatch(describeTarget(t), updates)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return errors.New("connection to node closed")
			}
			value := u.Value
			if !u.Found {
				value = "(absent)"
			}
			fmt.Printf("%s  %s\n", u.Time.Format(time.RFC3339), value)
		case <-sigs:
			return c.Unsubscribe(sub)
		}
	}
}
