package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fentz26/contextmem/internal/models"
)

func newAPI(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClientListEntities(t *testing.T) {
	var gotQuery string
	c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/entities" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]models.Entity{{ID: "e1", Type: models.EntityType("file"), Name: "main.go"}})
	})

	list, err := c.ListEntities("file")
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(list) != 1 || list[0].Name != "main.go" {
		t.Fatalf("unexpected entities: %+v", list)
	}
	if !strings.Contains(gotQuery, "type=file") || !strings.Contains(gotQuery, "sort_by=importance") {
		t.Errorf("unexpected query: %s", gotQuery)
	}
}

func TestClientAPIError(t *testing.T) {
	c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	})

	_, err := c.ApplySuggestion("missing", true)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClientTrainModelGeneratesSuggestions(t *testing.T) {
	var paths []string
	c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/models/train":
			var cfg models.TrainingConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
				t.Errorf("decode: %v", err)
			}
			_ = json.NewEncoder(w).Encode(models.LearningModel{ID: "m1", Type: cfg.ModelType, Version: 1})
		case "/models/m1/suggestions":
			_ = json.NewEncoder(w).Encode([]models.Suggestion{{ID: "s1"}, {ID: "s2"}})
		default:
			http.NotFound(w, r)
		}
	})

	m, n, err := c.TrainModel("error_prediction")
	if err != nil {
		t.Fatalf("TrainModel failed: %v", err)
	}
	if m.ID != "m1" || m.Type != models.ModelType("error_prediction") {
		t.Errorf("unexpected model: %+v", m)
	}
	if n != 2 {
		t.Errorf("expected 2 suggestions, got %d", n)
	}
	if len(paths) != 2 || paths[0] != "POST /models/train" || paths[1] != "POST /models/m1/suggestions" {
		t.Errorf("unexpected calls: %v", paths)
	}
}

func TestClientCheckHealth(t *testing.T) {
	c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"db":"ok"}`))
	})
	ok, err := c.CheckHealth()
	if err != nil || !ok {
		t.Fatalf("expected healthy, got ok=%v err=%v", ok, err)
	}

	down := NewClient("http://127.0.0.1:1")
	if ok, err := down.CheckHealth(); err == nil || ok {
		t.Errorf("expected unreachable daemon to report unhealthy")
	}
}

func TestCompletionsCommands(t *testing.T) {
	c := NewCompletions()

	c.Update("/tr")
	if !c.IsVisible() {
		t.Fatal("expected completions to be visible")
	}
	sel := c.Selected()
	if sel == nil || sel.Text != "train" {
		t.Fatalf("expected train, got %+v", sel)
	}

	c.Update("plain text")
	if c.IsVisible() {
		t.Error("expected completions hidden for plain input")
	}
}

func TestCompletionsActionsCoverModelTypes(t *testing.T) {
	c := NewCompletions()
	c.Update("!")
	seen := 0
	for i := 0; i < len(models.ModelTypes); i++ {
		if sel := c.Selected(); sel != nil && strings.HasPrefix(sel.Text, "train ") {
			seen++
		}
		c.Next()
	}
	if seen != len(models.ModelTypes) {
		t.Errorf("expected %d train actions, saw %d", len(models.ModelTypes), seen)
	}
}

func TestCompletionsReferences(t *testing.T) {
	c := NewCompletions()
	c.Update("@ab")
	c.SetReferences([]string{"abc123", "def456", "xab999"}, "suggestion")

	sel := c.Selected()
	if sel == nil || sel.Text != "abc123" {
		t.Fatalf("expected abc123, got %+v", sel)
	}
	c.Next()
	if sel := c.Selected(); sel == nil || sel.Text != "xab999" {
		t.Fatalf("expected xab999, got %+v", sel)
	}

	// References are ignored outside "@" mode.
	c.Update("/")
	c.SetReferences([]string{"zzz"}, "entity")
	for _, item := range c.filtered {
		if item.Text == "zzz" {
			t.Error("reference leaked into command completions")
		}
	}
}

func TestExecuteCommandValidation(t *testing.T) {
	a := New("http://127.0.0.1:1")

	tests := []struct {
		input string
		want  string
	}{
		{"apply", "Usage: apply"},
		{"apply abc maybe", "Usage: apply"},
		{"train", "Usage: train"},
		{"train guessing", "unknown model type"},
		{"type nonsense", "unknown entity type"},
		{"dance", "Unknown: dance"},
	}
	for _, tt := range tests {
		cmd := a.executeCommand(tt.input)
		if cmd == nil {
			t.Fatalf("%q: expected a command", tt.input)
		}
		msg, ok := cmd().(commandResultMsg)
		if !ok {
			t.Fatalf("%q: expected commandResultMsg", tt.input)
		}
		if !strings.Contains(msg.message, tt.want) {
			t.Errorf("%q: expected message containing %q, got %q", tt.input, tt.want, msg.message)
		}
	}
}

func TestResolveSuggestionPrefix(t *testing.T) {
	a := New("http://127.0.0.1:1")
	a.suggestions = []models.Suggestion{{ID: "abc-1"}, {ID: "abd-2"}}

	if id, err := a.resolveSuggestion("abc"); err != nil || id != "abc-1" {
		t.Errorf("expected abc-1, got %q err=%v", id, err)
	}
	if _, err := a.resolveSuggestion("ab"); err == nil {
		t.Error("expected ambiguous prefix error")
	}
	if id, err := a.resolveSuggestion("zzz"); err != nil || id != "zzz" {
		t.Errorf("expected unknown prefix passed through, got %q err=%v", id, err)
	}
}

func TestTabCycle(t *testing.T) {
	tb := tabEntities
	for i := 0; i < len(tabNames); i++ {
		tb = tb.next()
	}
	if tb != tabEntities {
		t.Errorf("expected cycle back to entities, got %s", tb)
	}
}
