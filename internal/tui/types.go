package tui

import "github.com/fentz26/contextmem/internal/models"

// tab is one of the dashboard views.
type tab int

const (
	tabEntities tab = iota
	tabPatterns
	tabSuggestions
)

var tabNames = []string{"ENTITIES", "PATTERNS", "SUGGESTIONS"}

func (t tab) String() string { return tabNames[t] }

func (t tab) next() tab { return (t + 1) % tab(len(tabNames)) }

type commandResultMsg struct {
	message string
	refresh bool
}

type errMsg struct {
	err error
}

type entitiesLoadedMsg struct {
	entities []models.Entity
}

type patternsLoadedMsg struct {
	patterns []models.WorkflowPattern
}

type suggestionsLoadedMsg struct {
	suggestions []models.Suggestion
}

type daemonStatusMsg struct {
	online bool
}
