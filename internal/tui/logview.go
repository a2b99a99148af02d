package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ixnay.dev/go/ixnay/internal/client"
)

// LogLoader fetches entries at or above level ("" for all).
type LogLoader func(level string) ([]client.LogEntry, error)

var logLevels = []string{"", "DEBUG", "INFO", "WARN", "ERROR"}

// LogModel browses the node's log buffer.
type LogModel struct {
	load        LogLoader
	entries     []client.LogEntry
	shown       []client.LogEntry
	level       string
	search      string
	viewport    viewport.Model
	searchInput textinput.Model
	width       int
	searching   bool
	selected    int
	showDetails bool
	ready       bool
	err         error
}

type logsLoadedMsg struct {
	entries []client.LogEntry
	err     error
}

// NewLogModel creates the viewer starting at level.
func NewLogModel(load LogLoader, level string) LogModel {
	ti := textinput.New()
	ti.Placeholder = "Search..."
	ti.Width = 30
	return LogModel{load: load, level: strings.ToUpper(level), searchInput: ti}
}

func (m LogModel) Init() tea.Cmd {
	return m.loadLogs
}

func (m LogModel) loadLogs() tea.Msg {
	entries, err := m.load(m.level)
	return logsLoadedMsg{entries: entries, err: err}
}

func (m LogModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport = viewport.New(msg.Width, max(msg.Height-4, 1))
		m.viewport.SetContent(m.renderLogs())
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		if m.searching {
			switch msg.String() {
			case "enter":
				m.search = m.searchInput.Value()
				m.searching = false
				m.applySearch()
				return m, nil
			case "esc":
				m.searching = false
				m.searchInput.SetValue("")
				return m, nil
			}
			var cmd tea.Cmd
			m.searchInput, cmd = m.searchInput.Update(msg)
			return m, cmd
		}

		switch key := msg.String(); key {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "/":
			m.searching = true
			m.searchInput.Focus()
			return m, nil
		case "up", "k":
			if m.selected > 0 {
				m.selected--
				m.render()
			}
		case "down", "j":
			if m.selected < len(m.shown)-1 {
				m.selected++
				m.render()
			}
		case "enter":
			m.showDetails = !m.showDetails
			m.render()
		case "r":
			return m, m.loadLogs
		case "1", "2", "3", "4", "5":
			m.level = logLevels[key[0]-'1']
			return m, m.loadLogs
		case "esc":
			m.level = ""
			m.search = ""
			return m, m.loadLogs
		case "pgup":
			m.viewport.ViewUp()
		case "pgdown":
			m.viewport.ViewDown()
		}

	case logsLoadedMsg:
		m.err = msg.err
		m.entries = msg.entries
		m.applySearch()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *LogModel) applySearch() {
	m.shown = FilterLogs(m.entries, m.search)
	m.selected = 0
	m.render()
}

func (m *LogModel) render() {
	if m.ready {
		m.viewport.SetContent(m.renderLogs())
	}
}

// FilterLogs keeps entries whose message or fields contain text,
// case-insensitively.
func FilterLogs(entries []client.LogEntry, text string) []client.LogEntry {
	if text == "" {
		return entries
	}
	text = strings.ToLower(text)
	var out []client.LogEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Message), text) {
			out = append(out, e)
			continue
		}
		for k, v := range e.Fields {
			if strings.Contains(strings.ToLower(k+"="+fmt.Sprint(v)), text) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (m LogModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	sep := mutedStyle.Render(strings.Repeat("─", m.width))

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n" + sep + "\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n" + sep + "\n")
	if m.searching {
		b.WriteString("Search: " + m.searchInput.View())
	} else {
		b.WriteString(mutedStyle.Render("[↑↓] Navigate  [Enter] Details  [/] Search  [1-5] Level  [r] Refresh  [q] Quit"))
	}
	return b.String()
}

func (m LogModel) renderHeader() string {
	level := "ALL"
	if m.level != "" {
		level = m.level
	}
	header := titleStyle.Render("Node Logs") + "  " + accentStyle.Render(fmt.Sprintf("Level: [%s]", level))
	if m.search != "" {
		header += accentStyle.Render(fmt.Sprintf("  Search: [%s]", m.search))
	}
	header += "  " + lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Render(fmt.Sprintf("(%d entries)", len(m.shown)))
	if m.err != nil {
		header += "  " + goneStyle.Render(m.err.Error())
	}
	return header
}

var levelStyles = map[string]lipgloss.Style{
	"DEBUG": lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	"INFO":  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	"WARN":  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	"ERROR": lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
}

func (m LogModel) renderLogs() string {
	if len(m.shown) == 0 {
		return mutedStyle.Italic(true).Render("No log entries match the current filters.")
	}
	selectedStyle := lipgloss.NewStyle().Background(lipgloss.Color("237"))

	var b strings.Builder
	for i, e := range m.shown {
		style, ok := levelStyles[e.Level]
		if !ok {
			style = levelStyles["INFO"]
		}
		line := mutedStyle.Render(e.Timestamp.Format("15:04:05")) + "  " +
			style.Render(fmt.Sprintf("%-5s", e.Level)) + "  " + e.Message
		if peer, ok := e.Fields["peer"]; ok {
			line += "  " + accentStyle.Render(fmt.Sprint(peer))
		}
		if w := lipgloss.Width(line); w < m.width {
			line += strings.Repeat(" ", m.width-w)
		}
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")

		if i == m.selected && m.showDetails {
			b.WriteString(renderDetails(e) + "\n")
		}
	}
	return b.String()
}

func renderDetails(e client.LogEntry) string {
	lines := []string{accentStyle.Render("Message: ") + e.Message}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		lines = append(lines, accentStyle.Render(k+": ")+fmt.Sprint(e.Fields[k]))
	}
	return mutedStyle.PaddingLeft(4).Render(strings.Join(lines, "\n"))
}

// RunLogs opens the log viewer.
func RunLogs(load LogLoader, level string) error {
	_, err := tea.NewProgram(NewLogModel(load, level), tea.WithAltScreen()).Run()
	return err
}
