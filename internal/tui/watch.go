package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Update is one delivery of a watched path.
type Update struct {
	Time  time.Time
	Found bool
	Value string // JSON text of the value
	State uint64
}

// ClosedMsg ends the watch when the node connection drops.
type ClosedMsg struct{ Err error }

const maxUpdates = 500

var (
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	goneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Italic(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// WatchModel shows the current value of a path and its update history.
type WatchModel struct {
	title    string
	updates  []Update
	viewport viewport.Model
	width    int
	ready    bool
	err      error
}

// NewWatchModel creates the view; title names the watched path.
func NewWatchModel(title string) WatchModel {
	return WatchModel{title: title}
}

func (m WatchModel) Init() tea.Cmd { return nil }

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport = viewport.New(msg.Width, max(msg.Height-6, 1))
		m.viewport.SetContent(m.renderHistory())
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "c":
			if n := len(m.updates); n > 0 {
				m.updates = m.updates[n-1:]
			}
			m.refresh()
			return m, nil
		}

	case Update:
		m.updates = append(m.updates, msg)
		if len(m.updates) > maxUpdates {
			m.updates = m.updates[len(m.updates)-maxUpdates:]
		}
		m.refresh()
		return m, nil

	case ClosedMsg:
		m.err = msg.Err
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *WatchModel) refresh() {
	if m.ready {
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
	}
}

// Err is set when the watch ended because the connection closed.
func (m WatchModel) Err() error { return m.err }

// Updates returns the retained history, oldest first.
func (m WatchModel) Updates() []Update { return m.updates }

func (m WatchModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	sep := mutedStyle.Render(strings.Repeat("─", m.width))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Watching "+m.title) + "  " +
		accentStyle.Render(fmt.Sprintf("(%d updates)", len(m.updates))))
	b.WriteString("\n")
	b.WriteString(m.renderCurrent())
	b.WriteString("\n" + sep + "\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n" + sep + "\n")
	b.WriteString(mutedStyle.Render("[↑↓] Scroll  [c] Clear history  [q] Quit"))
	return b.String()
}

func (m WatchModel) renderCurrent() string {
	if len(m.updates) == 0 {
		return mutedStyle.Render("waiting for the node...")
	}
	return "Current: " + renderValue(m.updates[len(m.updates)-1])
}

func (m WatchModel) renderHistory() string {
	if len(m.updates) == 0 {
		return mutedStyle.Italic(true).Render("No updates yet.")
	}
	var b strings.Builder
	for _, u := range m.updates {
		b.WriteString(mutedStyle.Render(u.Time.Format("15:04:05.000")))
		b.WriteString("  ")
		b.WriteString(accentStyle.Render(fmt.Sprintf("%-20d", u.State)))
		b.WriteString(renderValue(u))
		b.WriteString("\n")
	}
	return b.String()
}

func renderValue(u Update) string {
	if !u.Found || u.Value == "" || u.Value == "null" {
		return goneStyle.Render("(absent)")
	}
	return valueStyle.Render(u.Value)
}

// RunWatch runs the watch view until the user quits or updates closes.
func RunWatch(title string, updates <-chan Update) error {
	p := tea.NewProgram(NewWatchModel(title), tea.WithAltScreen())
	go func() {
		for u := range updates {
			p.Send(u)
		}
		p.Send(ClosedMsg{})
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	return final.(WatchModel).Err()
}
