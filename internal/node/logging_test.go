package node

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"ixnay.dev/go/ixnay/internal/config"
)

func TestLogBufferWraps(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(LogEntry{Message: string(rune('a' + i)), Level: "INFO"})
	}
	if b.Count() != 3 {
		t.Fatalf("count: got %d, want 3", b.Count())
	}
	got := b.Query(QueryOpts{})
	var msgs []string
	for _, e := range got {
		msgs = append(msgs, e.Message)
	}
	if strings.Join(msgs, "") != "cde" {
		t.Errorf("expected oldest evicted, got %v", msgs)
	}
}

func TestLogBufferQuery(t *testing.T) {
	b := NewLogBuffer(100)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Add(LogEntry{Timestamp: base, Level: "DEBUG", Message: "dial"})
	b.Add(LogEntry{Timestamp: base.Add(time.Second), Level: "INFO", Message: "link up", Fields: map[string]any{"peer": "aa"}})
	b.Add(LogEntry{Timestamp: base.Add(2 * time.Second), Level: "WARN", Message: "degraded", Fields: map[string]any{"peer": "bb"}})
	b.Add(LogEntry{Timestamp: base.Add(3 * time.Second), Level: "ERROR", Message: "closed", Fields: map[string]any{"peer": "aa"}})

	since := base.Add(time.Second)
	until := base.Add(2 * time.Second)

	tests := []struct {
		name string
		opts QueryOpts
		want []string
	}{
		{"all", QueryOpts{}, []string{"dial", "link up", "degraded", "closed"}},
		{"warn and above", QueryOpts{Level: "warn"}, []string{"degraded", "closed"}},
		{"window", QueryOpts{Since: &since, Until: &until}, []string{"link up", "degraded"}},
		{"field present", QueryOpts{Field: "peer"}, []string{"link up", "degraded", "closed"}},
		{"field value", QueryOpts{Field: "peer", Value: "aa"}, []string{"link up", "closed"}},
		{"limit keeps newest", QueryOpts{Limit: 2}, []string{"degraded", "closed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Query(tt.opts)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Message != tt.want[i] {
					t.Errorf("entry %d: got %q, want %q", i, got[i].Message, tt.want[i])
				}
			}
		})
	}

	stats := b.Stats()
	if stats["total"] != 4 || stats["warn"] != 1 || stats["debug"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestBufferedHandlerCapturesFields(t *testing.T) {
	buf := NewLogBuffer(10)
	var out bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &out, buf)

	logger.With("component", "peer").WithGroup("link").Debug("closed", "peer", "ab12", "error", errors.New("reset"))

	entries := buf.Query(QueryOpts{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != "DEBUG" || e.Message != "closed" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Fields["component"] != "peer" || e.Fields["link.peer"] != "ab12" || e.Fields["link.error"] != "reset" {
		t.Errorf("unexpected fields %v", e.Fields)
	}
	if !strings.Contains(out.String(), `"msg":"closed"`) {
		t.Errorf("record not passed to the next handler: %s", out.String())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	buf := NewLogBuffer(10)
	logger := NewLogger(config.LoggingConfig{Level: "warn"}, &bytes.Buffer{}, buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if buf.Count() != 1 {
		t.Errorf("expected only the warning, got %d entries", buf.Count())
	}

	logger = NewLogger(config.LoggingConfig{Level: "nonsense"}, &bytes.Buffer{}, nil)
	if !logger.Enabled(context.Background(), slog.LevelInfo) || logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("an unknown level should fall back to info")
	}
}
