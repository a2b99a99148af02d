package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ixnay.dev/go/ixnay/internal/client"
	"ixnay.dev/go/ixnay/internal/tui"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the node's recent logs",
	Long: `View and filter the node's in-memory log buffer.

In interactive mode, use arrow keys to navigate, / to search,
1-5 to change the level, and q to quit.

Examples:
  ixnay logs
  ixnay logs --level warn
  ixnay logs --since 1h --peer 3fa1c0de9b2a4471
  ixnay logs --follow
  ixnay logs --format json`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().String("level", "", "filter by level (debug, info, warn, error)")
	logsCmd.Flags().String("since", "", "show logs since (e.g. 5m, 1h, 2025-01-15)")
	logsCmd.Flags().String("peer", "", "only entries about this peer fingerprint")
	logsCmd.Flags().String("format", "tui", "output format (tui, table, json)")
	logsCmd.Flags().Bool("follow", false, "follow new entries (like tail -f)")
	logsCmd.Flags().Int("limit", 1000, "maximum entries to show")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	follow, _ := cmd.Flags().GetBool("follow")
	q, err := buildLogQuery(cmd)
	if err != nil {
		return err
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	switch {
	case follow:
		return followLogs(c, q)
	case format == "json":
		entries, err := c.Logs(q)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case format == "table" || !tui.IsStdoutTerminal():
		entries, err := c.Logs(q)
		if err != nil {
			return err
		}
		for _, e := range entries {
			printLogEntry(e)
		}
		return nil
	case format == "tui":
		return tui.RunLogs(func(level string) ([]client.LogEntry, error) {
			lq := q
			lq.Level = level
			return c.Logs(lq)
		}, q.Level)
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

func buildLogQuery(cmd *cobra.Command) (client.LogQuery, error) {
	var q client.LogQuery
	level, _ := cmd.Flags().GetString("level")
	q.Level = strings.ToUpper(level)
	q.Peer, _ = cmd.Flags().GetString("peer")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	if s, _ := cmd.Flags().GetString("since"); s != "" {
		t, err := parseLogTimeArg(s, time.Now())
		if err != nil {
			return q, err
		}
		q.Since = t
	}
	return q, nil
}

// parseLogTimeArg accepts a duration back from now or an absolute time.
func parseLogTimeArg(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	for _, f := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time: %s", s)
}

var levelColors = map[string]string{
	"DEBUG": "\033[90m",
	"INFO":  "\033[34m",
	"WARN":  "\033[33m",
	"ERROR": "\033[31m",
}

func printLogEntry(e client.LogEntry) {
	color, reset := levelColors[e.Level], "\033[0m"
	if !tui.IsStdoutTerminal() {
		color, reset = "", ""
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var fields strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&fields, " %s=%v", k, e.Fields[k])
	}

	fmt.Printf("%s  %s%-5s%s  %s%s\n",
		e.Timestamp.Format("15:04:05"), color, e.Level, reset, e.Message, fields.String())
}

func followLogs(c *client.Client, q client.LogQuery) error {
	entries, err := c.Logs(q)
	if err != nil {
		return err
	}
	last := q.Since
	for _, e := range entries {
		printLogEntry(e)
		last = e.Timestamp
	}
	fmt.Println("--- Following logs (Ctrl+C to stop) ---")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		fq := q
		fq.Since = last
		fq.Limit = 500
		entries, err := c.Logs(fq)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Timestamp.After(last) {
				printLogEntry(e)
				last = e.Timestamp
			}
		}
	}
	return nil
}
