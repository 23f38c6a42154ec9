package controlplane

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/contextmem/internal/audit"
	"github.com/fentz26/contextmem/internal/cache"
	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/entities"
	"github.com/fentz26/contextmem/internal/history"
	"github.com/fentz26/contextmem/internal/learning"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/fentz26/contextmem/internal/store/memstore"
	"github.com/prometheus/client_golang/prometheus"
)

type testEnv struct {
	server  *Server
	store   *memstore.Store
	history *history.Service
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	log := logger.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := memstore.New()
	reader := cache.NewReader(cache.NewLocal(time.Minute, 0), log)

	ent := entities.New(st, reader, log, m)
	hist := history.New(st, config.DetectorConfig{Workers: 1, QueueSize: 16, MaxRetries: 1}, log, m)
	t.Cleanup(hist.Close)
	lrn := learning.New(st, reader, cfg.Learning, log, m)

	service := NewService(ent, hist, lrn, audit.NewPDRWriter(st), log)
	server := NewServer(service, st, log, "127.0.0.1:0",
		WithGatherer(reg),
		WithMetrics(m),
		WithSchedulerStats(func() map[string]interface{} { return map[string]interface{}{"enabled": true} }),
	)
	return &testEnv{server: server, store: st, history: hist}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, w, http.StatusOK)

	health := decode[HealthResponse](t, w)
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
	if health.Detector == nil || health.Scheduler == nil {
		t.Errorf("Expected detector and scheduler stats, got %+v", health)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestServer(t)
	env.store.Close()

	w := env.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, w, http.StatusServiceUnavailable)

	health := decode[HealthResponse](t, w)
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodPost, "/health", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unrouted method, got %d", w.Code)
	}
}

func TestEntityEndpoints(t *testing.T) {
	env := newTestServer(t)

	body := map[string]interface{}{"type": "repository", "name": "org/repo", "tags": []string{"go"}}
	first := decode[models.Entity](t, expectCreated(t, env.do(t, http.MethodPost, "/entities", body)))
	second := decode[models.Entity](t, expectCreated(t, env.do(t, http.MethodPost, "/entities", body)))
	if first.ID != second.ID {
		t.Errorf("Expected same entity, got %s and %s", first.ID, second.ID)
	}
	if second.AccessCount != 2 {
		t.Errorf("Expected access_count 2, got %d", second.AccessCount)
	}

	w := env.do(t, http.MethodPost, "/entities", map[string]string{"type": "spaceship", "name": "x"})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodGet, "/entities/missing", nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, http.MethodPut, "/entities/"+first.ID+"/importance", map[string]float64{"score": 250})
	expectStatus(t, w, http.StatusOK)
	if got := decode[models.Entity](t, w); got.Context.ImportanceScore != 100 {
		t.Errorf("Expected importance clamped to 100, got %v", got.Context.ImportanceScore)
	}

	w = env.do(t, http.MethodGet, "/entities?type=repository&tags=go&min_importance=90", nil)
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]models.Entity](t, w); len(list) != 1 {
		t.Errorf("Expected 1 entity, got %d", len(list))
	}

	w = env.do(t, http.MethodGet, "/entities?limit=abc", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodGet, "/stats/entities", nil)
	expectStatus(t, w, http.StatusOK)
	if stats := decode[models.EntityStats](t, w); stats.Total != 1 {
		t.Errorf("Expected 1 entity in stats, got %d", stats.Total)
	}
}

func TestRelationshipEndpoints(t *testing.T) {
	env := newTestServer(t)

	a := decode[models.Entity](t, expectCreated(t, env.do(t, http.MethodPost, "/entities", map[string]string{"type": "person", "name": "ada"})))
	b := decode[models.Entity](t, expectCreated(t, env.do(t, http.MethodPost, "/entities", map[string]string{"type": "project", "name": "engine"})))

	w := env.do(t, http.MethodPost, "/relationships", map[string]interface{}{
		"source_id": a.ID, "target_id": b.ID, "type": "contributes_to",
	})
	rel := decode[models.EntityRelationship](t, expectCreated(t, w))
	if rel.Strength != 1 {
		t.Errorf("Expected default strength 1, got %v", rel.Strength)
	}

	w = env.do(t, http.MethodGet, "/entities/"+b.ID+"/relationships", nil)
	expectStatus(t, w, http.StatusOK)
	if rels := decode[[]models.EntityRelationship](t, w); len(rels) != 1 {
		t.Errorf("Expected 1 relationship on target, got %d", len(rels))
	}

	w = env.do(t, http.MethodPost, "/relationships", map[string]interface{}{
		"source_id": a.ID, "target_id": "missing", "type": "uses",
	})
	expectStatus(t, w, http.StatusNotFound)
}

func TestExecutionEndpoints(t *testing.T) {
	env := newTestServer(t)

	ent := decode[models.Entity](t, expectCreated(t, env.do(t, http.MethodPost, "/entities", map[string]string{"type": "document", "name": "spec.pdf"})))

	w := env.do(t, http.MethodPost, "/executions", map[string]interface{}{
		"workflow_id":       "wf-1",
		"entities_accessed": []string{ent.ID},
	})
	rec := decode[models.WorkflowExecutionRecord](t, expectCreated(t, w))
	if rec.Status != models.ExecutionRunning {
		t.Errorf("Expected running, got %s", rec.Status)
	}

	w = env.do(t, http.MethodGet, "/entities/"+ent.ID, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[models.Entity](t, w); len(got.Context.WorkflowIDs) != 1 || got.Context.WorkflowIDs[0] != "wf-1" {
		t.Errorf("Expected entity associated with wf-1, got %v", got.Context.WorkflowIDs)
	}

	w = env.do(t, http.MethodPost, "/executions/"+rec.ID+"/complete", map[string]interface{}{"status": "success", "duration_ms": 1500})
	expectStatus(t, w, http.StatusOK)
	done := decode[models.WorkflowExecutionRecord](t, w)
	if done.DurationMS == nil || *done.DurationMS != 1500 {
		t.Errorf("Expected duration 1500, got %v", done.DurationMS)
	}

	w = env.do(t, http.MethodPost, "/executions/"+rec.ID+"/complete", map[string]interface{}{"status": "failure"})
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodPost, "/executions/"+rec.ID+"/complete", map[string]interface{}{"status": "exploded"})
	expectStatus(t, w, http.StatusBadRequest)

	env.history.Wait()

	w = env.do(t, http.MethodGet, "/executions?workflow_id=wf-1&status=success", nil)
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]models.WorkflowExecutionRecord](t, w); len(list) != 1 {
		t.Errorf("Expected 1 execution, got %d", len(list))
	}

	w = env.do(t, http.MethodGet, "/executions?from=yesterday", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodGet, "/workflows/wf-1/stats", nil)
	expectStatus(t, w, http.StatusOK)
	if stats := decode[models.WorkflowStats](t, w); stats.Total != 1 || stats.SuccessRate != 1 {
		t.Errorf("Unexpected workflow stats: %+v", stats)
	}
}

func TestLearningEndpoints(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodPost, "/models/train", map[string]interface{}{"model_type": "resource_allocation"})
	expectStatus(t, w, http.StatusUnprocessableEntity)

	w = env.do(t, http.MethodPost, "/models/train", map[string]interface{}{"model_type": "astrology"})
	expectStatus(t, w, http.StatusBadRequest)

	for i := 0; i < 10; i++ {
		rec := decode[models.WorkflowExecutionRecord](t, expectCreated(t, env.do(t, http.MethodPost, "/executions", map[string]string{"workflow_id": "wf-1"})))
		expectStatus(t, env.do(t, http.MethodPost, "/executions/"+rec.ID+"/complete", map[string]interface{}{"status": "success", "duration_ms": 10}), http.StatusOK)
	}
	env.history.Wait()

	w = env.do(t, http.MethodPost, "/models/train", map[string]interface{}{"model_type": "resource_allocation"})
	m := decode[models.LearningModel](t, expectCreated(t, w))
	if m.Version != 1 || m.TrainingSamples != 10 {
		t.Errorf("Unexpected model: %+v", m)
	}

	w = env.do(t, http.MethodPost, "/models/"+m.ID+"/suggestions", map[string]string{"workflow_id": "wf-1"})
	list := decode[[]models.Suggestion](t, expectCreated(t, w))
	if len(list) != 1 || list[0].Type != learning.SuggestEnableResourceTracking {
		t.Fatalf("Expected one resource tracking suggestion, got %+v", list)
	}

	w = env.do(t, http.MethodGet, "/workflows/wf-1/suggestions", nil)
	expectStatus(t, w, http.StatusOK)
	if pending := decode[[]models.Suggestion](t, w); len(pending) != 1 {
		t.Errorf("Expected 1 pending suggestion, got %d", len(pending))
	}

	w = env.do(t, http.MethodPost, "/suggestions/"+list[0].ID+"/apply", models.Feedback{Applied: true, Helpful: true})
	expectStatus(t, w, http.StatusOK)
	if sg := decode[models.Suggestion](t, w); sg.AppliedAt == nil || sg.Feedback == nil || !sg.Feedback.Helpful {
		t.Errorf("Expected applied suggestion with feedback, got %+v", sg)
	}

	w = env.do(t, http.MethodGet, "/suggestions?pending=false", nil)
	expectStatus(t, w, http.StatusOK)
	if all := decode[[]models.Suggestion](t, w); len(all) != 1 {
		t.Errorf("Expected 1 suggestion overall, got %d", len(all))
	}

	w = env.do(t, http.MethodGet, "/models/"+m.ID, nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodGet, "/models/missing", nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, http.MethodGet, "/decisions?action="+audit.ActionModelTrain, nil)
	expectStatus(t, w, http.StatusOK)
	entries := decode[[]store.PDREntry](t, w)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 train decisions, got %d", len(entries))
	}
	outcomes := map[string]int{}
	for _, e := range entries {
		outcomes[e.Outcome]++
	}
	if outcomes[audit.OutcomeSkipped] != 1 || outcomes[audit.OutcomeFailure] != 1 || outcomes[audit.OutcomeSuccess] != 1 {
		t.Errorf("Unexpected train outcomes: %v", outcomes)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodPost, "/maintenance/cleanup", map[string]int{"retention_days": 30})
	expectStatus(t, w, http.StatusOK)
	if report := decode[models.CleanupReport](t, w); report.RetentionDays != 30 {
		t.Errorf("Expected retention 30, got %d", report.RetentionDays)
	}

	w = env.do(t, http.MethodPost, "/maintenance/cleanup", map[string]int{"retention_days": -1})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodGet, "/decisions", nil)
	expectStatus(t, w, http.StatusOK)
	if entries := decode[[]store.PDREntry](t, w); len(entries) != 4 {
		t.Errorf("Expected 3 successful steps and 1 failure recorded, got %d", len(entries))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)

	env.do(t, http.MethodGet, "/entities", nil)
	env.do(t, http.MethodGet, "/nowhere", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, w, http.StatusOK)
	body := w.Body.String()
	for _, want := range []string{
		`contextmem_http_requests_total{code="200",route="/entities"} 1`,
		`contextmem_http_requests_total{code="404",route="unmatched"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func expectCreated(t *testing.T, w *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	expectStatus(t, w, http.StatusCreated)
	return w
}
