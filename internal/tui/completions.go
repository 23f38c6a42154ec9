package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/contextmem/internal/models"
)

// Completions provides autocomplete for the command bar.
type Completions struct {
	items        []CompletionItem
	filtered     []CompletionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/", "@", or "!"
	currentInput string
}

// CompletionItem represents a single autocomplete entry.
type CompletionItem struct {
	Text        string
	Description string
	Type        string // "command", "reference", "action"
}

var commandCompletions = []CompletionItem{
	{Text: "apply", Description: "Apply a suggestion: apply <id> [helpful|unhelpful]", Type: "command"},
	{Text: "train", Description: "Train a model and generate suggestions: train <type>", Type: "command"},
	{Text: "type", Description: "Filter entities by type: type <entity-type>", Type: "command"},
	{Text: "refresh", Description: "Reload the current tab", Type: "command"},
	{Text: "quit", Description: "Exit the dashboard", Type: "command"},
}

// actionCompletions trains each model type in one step.
var actionCompletions = func() []CompletionItem {
	out := make([]CompletionItem, 0, len(models.ModelTypes))
	for _, t := range models.ModelTypes {
		out = append(out, CompletionItem{Text: "train " + string(t), Description: "Train the " + string(t) + " model", Type: "action"})
	}
	return out
}()

// NewCompletions creates a new completions handler.
func NewCompletions() *Completions {
	return &Completions{items: commandCompletions}
}

// Update recomputes completions for the current input.
func (s *Completions) Update(input string) {
	s.currentInput = input
	if input == "" {
		s.visible = false
		s.filtered = nil
		s.prefix = ""
		return
	}

	switch input[0] {
	case '/':
		s.prefix = "/"
		s.items = commandCompletions
	case '@':
		// References are supplied by SetReferences.
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
	case '!':
		s.prefix = "!"
		s.items = actionCompletions
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
		return
	}
	s.visible = true
	s.filter(strings.ToLower(input[1:]))
}

// SetReferences replaces the "@" completions with IDs from the current tab.
func (s *Completions) SetReferences(ids []string, description string) {
	if s.prefix != "@" {
		return
	}
	s.items = make([]CompletionItem, len(ids))
	for i, id := range ids {
		s.items[i] = CompletionItem{Text: id, Description: description, Type: "reference"}
	}
	s.filter(strings.ToLower(strings.TrimPrefix(s.currentInput, "@")))
}

func (s *Completions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}
	s.filtered = []CompletionItem{}
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next completion.
func (s *Completions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous completion.
func (s *Completions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the highlighted completion.
func (s *Completions) Selected() *CompletionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether completions are currently shown.
func (s *Completions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the completion dropdown.
func (s *Completions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(width - 4)

	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	highlight := lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)

	var header string
	switch s.prefix {
	case "/":
		header = "Commands"
	case "@":
		header = "References"
	case "!":
		header = "Quick Actions"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		var line string
		if i == s.selectedIdx {
			line = highlight.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + highlight.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line + "\n")
	}

	return boxStyle.Render(b.String())
}
