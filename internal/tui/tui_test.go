package tui

import (
	"bufio"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"ixnay.dev/go/ixnay/internal/client"
)

func withInput(t *testing.T, input string) {
	t.Helper()
	oldReader, oldOut := stdinReader, promptOut
	stdinReader = bufio.NewReader(strings.NewReader(input))
	promptOut = io.Discard
	t.Cleanup(func() { stdinReader, promptOut = oldReader, oldOut })
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\n", true, true},
	}
	for _, tt := range tests {
		withInput(t, tt.input)
		got, err := Confirm("continue?", tt.defaultYes)
		if err != nil {
			t.Fatalf("Confirm(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestReadLineSharesInput(t *testing.T) {
	withInput(t, "  first \r\n\nlast")
	if got, _ := ReadLine("a: "); got != "first" {
		t.Errorf("first line: %q", got)
	}
	if got, _ := ReadLineDefault("b: ", "fallback"); got != "fallback" {
		t.Errorf("empty line should use the default, got %q", got)
	}
	if got, err := ReadLine("c: "); err != nil || got != "last" {
		t.Errorf("unterminated last line: %q, %v", got, err)
	}
	if _, err := ReadLine("d: "); err == nil {
		t.Error("expected EOF")
	}
}

func TestWatchModelKeepsHistory(t *testing.T) {
	var m tea.Model = NewWatchModel("local/profile/name")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 80, Height: 20})

	now := time.Now()
	m, _ = m.Update(Update{Time: now, Found: true, Value: `"ada"`, State: 1})
	m, _ = m.Update(Update{Time: now, Found: false, Value: "null", State: 2})

	wm := m.(WatchModel)
	if len(wm.Updates()) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(wm.Updates()))
	}
	view := wm.View()
	if !strings.Contains(view, "local/profile/name") || !strings.Contains(view, "(absent)") {
		t.Errorf("view missing title or tombstone:\n%s", view)
	}

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if n := len(m.(WatchModel).Updates()); n != 1 {
		t.Errorf("clear should keep only the current value, kept %d", n)
	}

	_, cmd := m.Update(ClosedMsg{})
	if cmd == nil {
		t.Error("a closed connection should quit the view")
	}
}

func TestFilterLogs(t *testing.T) {
	entries := []client.LogEntry{
		{Message: "link open", Fields: map[string]any{"peer": "ab12"}},
		{Message: "delta rejected", Fields: map[string]any{"soul": "~x/bio"}},
		{Message: "started"},
	}
	if got := FilterLogs(entries, ""); len(got) != 3 {
		t.Errorf("empty search should keep everything, got %d", len(got))
	}
	if got := FilterLogs(entries, "REJECTED"); len(got) != 1 || got[0].Message != "delta rejected" {
		t.Errorf("message search: %+v", got)
	}
	if got := FilterLogs(entries, "peer=ab"); len(got) != 1 || got[0].Message != "link open" {
		t.Errorf("field search: %+v", got)
	}
}

func TestLogModelLevelKeys(t *testing.T) {
	var asked []string
	load := func(level string) ([]client.LogEntry, error) {
		asked = append(asked, level)
		return []client.LogEntry{{Level: "WARN", Message: "degraded"}}, nil
	}

	var m tea.Model = NewLogModel(load, "info")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m, _ = m.Update(m.(LogModel).loadLogs())

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("4")})
	if cmd == nil {
		t.Fatal("level key should reload")
	}
	cmd()
	if len(asked) != 2 || asked[0] != "INFO" || asked[1] != "WARN" {
		t.Errorf("loader called with %v", asked)
	}
	if !strings.Contains(m.View(), "degraded") {
		t.Errorf("entry not rendered:\n%s", m.View())
	}
}
