// Package tui provides the interactive terminal dashboard over the contextmem API.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/contextmem/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Background(secondaryColor).
			Bold(true).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

// refreshInterval is how often the active tab reloads on its own.
const refreshInterval = 5 * time.Second

// App is the main TUI application model.
type App struct {
	client       *Client
	tab          tab
	entities     []models.Entity
	patterns     []models.WorkflowPattern
	suggestions  []models.Suggestion
	entityType   string
	selectedIdx  int
	input        textinput.Model
	completions  *Completions
	width        int
	height       int
	message      string
	loading      bool
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: apply <id> [helpful|unhelpful] | train <type> | type <entity-type> | / for commands"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		completions: NewCompletions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetch(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "up":
			if a.completions.IsVisible() {
				a.completions.Prev()
			} else if a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.completions.IsVisible() {
				a.completions.Next()
			} else if a.selectedIdx < a.rowCount()-1 {
				a.selectedIdx++
			}
			return a, nil

		case "tab":
			if a.completions.IsVisible() {
				a.acceptCompletion()
				return a, nil
			}
			a.tab = a.tab.next()
			a.selectedIdx = 0
			return a, a.fetch()

		case "enter":
			if a.completions.IsVisible() {
				a.acceptCompletion()
				return a, nil
			}
			cmd := strings.TrimSpace(a.input.Value())
			if cmd != "" {
				a.input.SetValue("")
				a.completions.Update("")
				return a, a.executeCommand(cmd)
			}
			if a.tab == tabSuggestions && a.selectedIdx < len(a.suggestions) {
				a.input.SetValue("apply " + a.suggestions[a.selectedIdx].ID + " ")
				return a, nil
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case tickMsg:
		return a, tea.Batch(a.fetch(), a.checkDaemon(), a.tickCmd())

	case entitiesLoadedMsg:
		a.loading = false
		a.entities = msg.entities
		a.clampSelection()

	case patternsLoadedMsg:
		a.loading = false
		a.patterns = msg.patterns
		a.clampSelection()

	case suggestionsLoadedMsg:
		a.loading = false
		a.suggestions = msg.suggestions
		a.clampSelection()

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case commandResultMsg:
		a.message = msg.message
		if msg.refresh {
			return a, a.fetch()
		}
		return a, nil

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.completions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		ids, desc := a.references()
		a.completions.SetReferences(ids, desc)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) acceptCompletion() {
	selected := a.completions.Selected()
	if selected == nil {
		return
	}
	a.input.SetValue(selected.Text + " ")
	a.input.CursorEnd()
	a.completions.Update("")
}

// references returns the IDs shown on the current tab for "@" completion.
func (a *App) references() ([]string, string) {
	var ids []string
	switch a.tab {
	case tabEntities:
		for _, e := range a.entities {
			ids = append(ids, e.ID)
		}
		return ids, "entity"
	case tabPatterns:
		for _, p := range a.patterns {
			ids = append(ids, p.ID)
		}
		return ids, "pattern"
	default:
		for _, s := range a.suggestions {
			ids = append(ids, s.ID)
		}
		return ids, "suggestion"
	}
}

func (a *App) rowCount() int {
	switch a.tab {
	case tabEntities:
		return len(a.entities)
	case tabPatterns:
		return len(a.patterns)
	default:
		return len(a.suggestions)
	}
}

func (a *App) clampSelection() {
	if a.selectedIdx >= a.rowCount() {
		a.selectedIdx = max(0, a.rowCount()-1)
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("contextmem") + "  " + daemonStatus + "  "
	for i := range tabNames {
		if tab(i) == a.tab {
			header += activeTabStyle.Render(tab(i).String())
		} else {
			header += tabStyle.Render(tab(i).String())
		}
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.tab {
	case tabEntities:
		filter := "ALL"
		if a.entityType != "" {
			filter = strings.ToUpper(a.entityType)
		}
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(" Type: ["+filter+"]") + "\n")
		b.WriteString(a.renderRows(a.entityRows(), contentHeight-1, "No entities tracked yet."))
	case tabPatterns:
		b.WriteString(a.renderRows(a.patternRows(), contentHeight, "No patterns detected yet."))
	case tabSuggestions:
		b.WriteString(a.renderRows(a.suggestionRows(), contentHeight, "No pending suggestions. Type: train <type> to generate some."))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.completions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.completions.Render(a.width))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" %s: %d | ↑↓:nav | Tab:next tab | Enter:command | Ctrl+C:quit", a.tab, a.rowCount())
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

func (a *App) renderRows(rows []string, height int, empty string) string {
	if a.loading && len(rows) == 0 {
		return "\n  Loading...\n"
	}
	if len(rows) == 0 {
		return "\n  " + empty + "\n"
	}

	lines := make([]string, len(rows))
	for i, row := range rows {
		if i == a.selectedIdx {
			lines[i] = selectedStyle.Render("▶ " + row)
		} else {
			lines[i] = rowStyle.Render("  " + row)
		}
	}

	if len(lines) > height {
		start := max(0, a.selectedIdx-height/2)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func (a *App) entityRows() []string {
	rows := make([]string, len(a.entities))
	for i, e := range a.entities {
		rows[i] = fmt.Sprintf("%-12s %-32s imp %5.1f  seen %3d×  %s",
			e.Type, truncate(e.Name, 32), e.Context.ImportanceScore, e.AccessCount, e.LastSeen.Local().Format("Jan 02 15:04"))
	}
	return rows
}

func (a *App) patternRows() []string {
	rows := make([]string, len(a.patterns))
	for i, p := range a.patterns {
		rows[i] = fmt.Sprintf("%s %-22s conf %s  ×%-3d %s",
			shortID(p.ID), p.Type, formatConfidence(p.Confidence), p.Occurrences, truncate(p.Description, 60))
	}
	return rows
}

func (a *App) suggestionRows() []string {
	rows := make([]string, len(a.suggestions))
	for i, s := range a.suggestions {
		flags := ""
		if s.Actionable {
			flags += "A"
		}
		if s.AutoApply {
			flags += "+"
		}
		rows[i] = fmt.Sprintf("%s %-24s conf %s %-2s %s",
			shortID(s.ID), s.Type, formatConfidence(s.Confidence), flags, truncate(s.Description, 60))
	}
	return rows
}

func formatConfidence(c float64) string {
	style := lipgloss.NewStyle().Foreground(mutedColor)
	switch {
	case c >= 0.8:
		style = lipgloss.NewStyle().Foreground(successColor)
	case c >= 0.5:
		style = lipgloss.NewStyle().Foreground(warningColor)
	}
	return style.Render(fmt.Sprintf("%.2f", c))
}

func shortID(id string) string {
	if len(id) > 8 {
		return lipgloss.NewStyle().Foreground(cyanColor).Render(id[:8])
	}
	return lipgloss.NewStyle().Foreground(cyanColor).Render(id)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (a *App) fetch() tea.Cmd {
	a.loading = true
	current, entityType := a.tab, a.entityType
	return func() tea.Msg {
		switch current {
		case tabEntities:
			list, err := a.client.ListEntities(entityType)
			if err != nil {
				return errMsg{err}
			}
			return entitiesLoadedMsg{list}
		case tabPatterns:
			list, err := a.client.ListPatterns()
			if err != nil {
				return errMsg{err}
			}
			return patternsLoadedMsg{list}
		default:
			list, err := a.client.ListSuggestions()
			if err != nil {
				return errMsg{err}
			}
			return suggestionsLoadedMsg{list}
		}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

// resolveSuggestion expands a unique ID prefix against the loaded suggestions.
func (a *App) resolveSuggestion(prefix string) (string, error) {
	var match string
	for _, s := range a.suggestions {
		if strings.HasPrefix(s.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous suggestion id %q", prefix)
			}
			match = s.ID
		}
	}
	if match == "" {
		// Not loaded locally; let the API decide.
		return prefix, nil
	}
	return match, nil
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit

	case "refresh", "r":
		return a.fetch()

	case "type":
		a.entityType = ""
		if len(args) > 0 && args[0] != "all" {
			if !models.EntityType(args[0]).IsValid() {
				return result(fmt.Sprintf("Error: unknown entity type %q", args[0]), false)
			}
			a.entityType = args[0]
		}
		a.tab = tabEntities
		a.selectedIdx = 0
		return a.fetch()

	case "apply":
		if len(args) < 1 {
			return result("Usage: apply <id> [helpful|unhelpful]", false)
		}
		helpful := true
		if len(args) > 1 {
			switch args[1] {
			case "helpful":
			case "unhelpful":
				helpful = false
			default:
				return result("Usage: apply <id> [helpful|unhelpful]", false)
			}
		}
		id, err := a.resolveSuggestion(strings.TrimPrefix(args[0], "@"))
		if err != nil {
			return result("Error: "+err.Error(), false)
		}
		return func() tea.Msg {
			if _, err := a.client.ApplySuggestion(id, helpful); err != nil {
				return commandResultMsg{message: "Error: " + err.Error()}
			}
			return commandResultMsg{message: "✓ Suggestion applied", refresh: true}
		}

	case "train":
		if len(args) < 1 {
			return result("Usage: train <type>", false)
		}
		modelType := args[0]
		if !models.ModelType(modelType).IsValid() {
			return result(fmt.Sprintf("Error: unknown model type %q", modelType), false)
		}
		return func() tea.Msg {
			m, n, err := a.client.TrainModel(modelType)
			if err != nil {
				return commandResultMsg{message: "Error: " + err.Error()}
			}
			return commandResultMsg{
				message: fmt.Sprintf("✓ Trained %s v%d (accuracy %.2f), %d suggestions", m.Type, m.Version, m.Accuracy, n),
				refresh: true,
			}
		}

	default:
		return result(fmt.Sprintf("Unknown: %s (try: apply, train, type, refresh)", cmd), false)
	}
}

func result(message string, refresh bool) tea.Cmd {
	return func() tea.Msg {
		return commandResultMsg{message: message, refresh: refresh}
	}
}
