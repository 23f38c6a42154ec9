package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/contextmem/internal/models"
)

var ctx = context.Background()

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Migrations are idempotent
	if err := s.migrate(); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestTrackEntity_Dedup(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	first, err := s.TrackEntity(ctx, models.EntityTypeRepository, "octo/app", map[string]any{"stars": float64(10)}, []string{"go"}, now)
	if err != nil {
		t.Fatalf("TrackEntity failed: %v", err)
	}
	if first.AccessCount != 1 {
		t.Errorf("Expected access_count 1, got %d", first.AccessCount)
	}
	if first.Context.ImportanceScore != models.DefaultImportance {
		t.Errorf("Expected default importance, got %v", first.Context.ImportanceScore)
	}

	later := now.Add(time.Minute)
	second, err := s.TrackEntity(ctx, models.EntityTypeRepository, "octo/app", map[string]any{"lang": "go"}, []string{"go", "oss"}, later)
	if err != nil {
		t.Fatalf("TrackEntity failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected same id %s, got %s", first.ID, second.ID)
	}

	got, err := s.GetEntity(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.AccessCount != 2 {
		t.Errorf("Expected access_count 2, got %d", got.AccessCount)
	}
	if got.Metadata["stars"] != float64(10) || got.Metadata["lang"] != "go" {
		t.Errorf("Unexpected merged metadata: %v", got.Metadata)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "go" || got.Tags[1] != "oss" {
		t.Errorf("Unexpected tags: %v", got.Tags)
	}
	if !got.FirstSeen.Equal(now) || !got.LastSeen.Equal(later) {
		t.Errorf("Unexpected timestamps first=%v last=%v", got.FirstSeen, got.LastSeen)
	}

	// Same name, different type is a different entity
	other, err := s.TrackEntity(ctx, models.EntityTypeProject, "octo/app", nil, nil, later)
	if err != nil {
		t.Fatalf("TrackEntity failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("Expected distinct entity for a different type")
	}
}

func TestQueryEntities_SortAndFilter(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	base := time.UnixMilli(1_700_000_000_000).UTC()
	a, _ := s.TrackEntity(ctx, models.EntityTypePerson, "alice", nil, nil, base)
	b, _ := s.TrackEntity(ctx, models.EntityTypePerson, "bob", nil, nil, base.Add(time.Second))
	c, _ := s.TrackEntity(ctx, models.EntityTypeCompany, "acme", nil, nil, base.Add(2*time.Second))

	if err := s.SetEntityImportance(ctx, a.ID, 90, base); err != nil {
		t.Fatalf("SetEntityImportance failed: %v", err)
	}
	if err := s.AddEntityWorkflow(ctx, b.ID, "wf-1", base); err != nil {
		t.Fatalf("AddEntityWorkflow failed: %v", err)
	}
	// Second association is a no-op
	if err := s.AddEntityWorkflow(ctx, b.ID, "wf-1", base); err != nil {
		t.Fatalf("AddEntityWorkflow failed: %v", err)
	}

	list, err := s.QueryEntities(ctx, models.EntityFilter{SortBy: models.SortByImportance})
	if err != nil {
		t.Fatalf("QueryEntities failed: %v", err)
	}
	if len(list) != 3 || list[0].ID != a.ID {
		t.Fatalf("Expected alice first by importance, got %+v", list)
	}

	// Bogus sort key falls back to last_seen desc
	list, err = s.QueryEntities(ctx, models.EntityFilter{SortBy: "bogus"})
	if err != nil {
		t.Fatalf("QueryEntities failed: %v", err)
	}
	if list[0].ID != c.ID {
		t.Errorf("Expected acme first by last_seen, got %s", list[0].Name)
	}

	list, err = s.QueryEntities(ctx, models.EntityFilter{Type: models.EntityTypePerson, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("QueryEntities failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("Expected only bob, got %+v", list)
	}
	got, _ := s.GetEntity(ctx, b.ID)
	if len(got.Context.WorkflowIDs) != 1 {
		t.Errorf("Expected one workflow id, got %v", got.Context.WorkflowIDs)
	}

	list, err = s.QueryEntities(ctx, models.EntityFilter{Limit: 1, Offset: 1, SortBy: models.SortByLastSeen})
	if err != nil {
		t.Fatalf("QueryEntities failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("Expected bob on page two, got %+v", list)
	}

	if err := s.SetEntityImportance(ctx, "missing", 1, base); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := s.AddEntityWorkflow(ctx, "missing", "wf-1", base); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateRelationship_DualWrite(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	alice, _ := s.TrackEntity(ctx, models.EntityTypePerson, "alice", nil, nil, now)
	acme, _ := s.TrackEntity(ctx, models.EntityTypeCompany, "acme", nil, nil, now)

	rel := &models.EntityRelationship{SourceID: alice.ID, TargetID: acme.ID, Type: models.RelationshipMemberOf, Strength: 0.7, CreatedAt: now}
	if err := s.CreateRelationship(ctx, rel); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	if rel.ID == "" {
		t.Error("Relationship ID should not be empty")
	}

	got, _ := s.GetEntity(ctx, alice.ID)
	if len(got.Context.Relationships) != 1 {
		t.Fatalf("Expected 1 mirrored relationship, got %d", len(got.Context.Relationships))
	}
	ref := got.Context.Relationships[0]
	if ref.RelationshipID != rel.ID || ref.TargetID != acme.ID || ref.Strength != 0.7 {
		t.Errorf("Unexpected mirror: %+v", ref)
	}

	rels, err := s.ListRelationships(ctx, acme.ID)
	if err != nil {
		t.Fatalf("ListRelationships failed: %v", err)
	}
	if len(rels) != 1 {
		t.Errorf("Expected 1 relationship for target, got %d", len(rels))
	}

	bad := &models.EntityRelationship{SourceID: alice.ID, TargetID: "missing", Type: models.RelationshipOwns, Strength: 1, CreatedAt: now}
	if err := s.CreateRelationship(ctx, bad); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	got, _ = s.GetEntity(ctx, alice.ID)
	if len(got.Context.Relationships) != 1 {
		t.Error("Failed relationship must not leave a mirror behind")
	}
}

func TestDeleteEntitiesSeenBefore_Cascade(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	old := time.UnixMilli(1_600_000_000_000).UTC()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	stale1, _ := s.TrackEntity(ctx, models.EntityTypeFile, "a.txt", nil, nil, old)
	s.TrackEntity(ctx, models.EntityTypeFile, "b.txt", nil, nil, old)
	fresh, _ := s.TrackEntity(ctx, models.EntityTypeFile, "c.txt", nil, nil, now)

	s.CreateRelationship(ctx, &models.EntityRelationship{SourceID: fresh.ID, TargetID: stale1.ID, Type: models.RelationshipReferences, Strength: 0.5, CreatedAt: now})
	s.CreateRelationship(ctx, &models.EntityRelationship{SourceID: stale1.ID, TargetID: fresh.ID, Type: models.RelationshipReferences, Strength: 0.5, CreatedAt: now})

	n, err := s.DeleteEntitiesSeenBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteEntitiesSeenBefore failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 deleted, got %d", n)
	}

	rels, _ := s.ListRelationships(ctx, fresh.ID)
	if len(rels) != 0 {
		t.Errorf("Expected dangling edges removed, got %d", len(rels))
	}
	got, _ := s.GetEntity(ctx, fresh.ID)
	if len(got.Context.Relationships) != 0 {
		t.Errorf("Expected mirrored refs removed, got %+v", got.Context.Relationships)
	}
	if _, err := s.GetEntity(ctx, stale1.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected stale entity gone, got %v", err)
	}

	stats, err := s.EntityStats(ctx)
	if err != nil {
		t.Fatalf("EntityStats failed: %v", err)
	}
	if stats.Total != 1 || stats.Relationships != 0 || stats.ByType[models.EntityTypeFile] != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	start := time.UnixMilli(1_700_000_000_000).UTC()
	rec := &models.WorkflowExecutionRecord{
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		StartedAt:   start,
		Status:      models.ExecutionRunning,
		Metrics:     models.ExecutionMetrics{Version: models.MetricsSchemaVersion, TaskCount: 4},
		CreatedAt:   start,
	}
	if err := s.InsertExecution(ctx, rec); err != nil {
		t.Fatalf("InsertExecution failed: %v", err)
	}

	end := start.Add(1500 * time.Millisecond)
	if err := s.FinishExecution(ctx, rec.ID, models.ExecutionFailure, end, 1500, "boom"); err != nil {
		t.Fatalf("FinishExecution failed: %v", err)
	}
	if err := s.FinishExecution(ctx, rec.ID, models.ExecutionSuccess, end, 1500, ""); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Expected ErrAlreadyCompleted, got %v", err)
	}
	if err := s.FinishExecution(ctx, "missing", models.ExecutionSuccess, end, 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	got, err := s.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != models.ExecutionFailure || got.ErrorMessage != "boom" {
		t.Errorf("Unexpected record: %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 1500 {
		t.Errorf("Expected duration 1500, got %v", got.DurationMS)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(end) {
		t.Errorf("Unexpected completed_at %v", got.CompletedAt)
	}
	if got.Metrics.TaskCount != 4 {
		t.Errorf("Expected task_count 4, got %d", got.Metrics.TaskCount)
	}

	n, err := s.CountExecutions(ctx, "wf-1", models.ExecutionFailure, start.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Expected 1 failure, got %d (%v)", n, err)
	}

	stats, err := s.WorkflowStats(ctx, "wf-1")
	if err != nil {
		t.Fatalf("WorkflowStats failed: %v", err)
	}
	if stats.Total != 1 || stats.AverageDurationMS != 1500 || stats.SuccessRate != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestQueryHistory(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	base := time.UnixMilli(1_700_000_000_000).UTC()
	for i := 0; i < 5; i++ {
		started := base.Add(time.Duration(i) * time.Minute)
		status := models.ExecutionSuccess
		if i%2 == 1 {
			status = models.ExecutionFailure
		}
		d := int64(100 * (i + 1))
		done := started.Add(time.Duration(d) * time.Millisecond)
		s.InsertExecution(ctx, &models.WorkflowExecutionRecord{
			WorkflowID: "wf-1", ExecutionID: "e", StartedAt: started, CompletedAt: &done,
			DurationMS: &d, Status: status, CreatedAt: started,
		})
	}

	all, err := s.QueryHistory(ctx, models.HistoryFilter{WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(all) != 5 || !all[0].StartedAt.After(all[4].StartedAt) {
		t.Fatalf("Expected 5 records newest first, got %d", len(all))
	}

	failures, _ := s.QueryHistory(ctx, models.HistoryFilter{WorkflowID: "wf-1", Status: models.ExecutionFailure})
	if len(failures) != 2 {
		t.Errorf("Expected 2 failures, got %d", len(failures))
	}

	from := base.Add(2 * time.Minute)
	ranged, _ := s.QueryHistory(ctx, models.HistoryFilter{From: &from, Limit: 2})
	if len(ranged) != 2 {
		t.Errorf("Expected 2 records in range page, got %d", len(ranged))
	}

	durations, err := s.RecentDurations(ctx, "wf-1", all[0].ID, 50)
	if err != nil {
		t.Fatalf("RecentDurations failed: %v", err)
	}
	if len(durations) != 4 {
		t.Errorf("Expected 4 durations, got %d", len(durations))
	}

	n, err := s.DeleteExecutionsBefore(ctx, base.Add(2*time.Minute))
	if err != nil || n != 2 {
		t.Errorf("Expected 2 deleted, got %d (%v)", n, err)
	}
}

func TestUpsertPattern(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	p := &models.WorkflowPattern{
		ID:            models.PatternID(models.PatternFailurePoint, "wf-1"),
		Type:          models.PatternFailurePoint,
		Description:   "3 failures",
		Confidence:    0.3,
		FirstDetected: now,
		LastDetected:  now,
		WorkflowIDs:   []string{"wf-1"},
	}
	got, err := s.UpsertPattern(ctx, p)
	if err != nil {
		t.Fatalf("UpsertPattern failed: %v", err)
	}
	if got.Occurrences != 1 || got.Confidence != 0.3 {
		t.Errorf("Unexpected pattern: %+v", got)
	}

	later := now.Add(time.Hour)
	p.Confidence = 0.4
	p.LastDetected = later
	got, err = s.UpsertPattern(ctx, p)
	if err != nil {
		t.Fatalf("UpsertPattern failed: %v", err)
	}
	if got.Occurrences != 2 || got.Confidence != 0.4 {
		t.Errorf("Unexpected pattern after second detection: %+v", got)
	}
	if !got.FirstDetected.Equal(now) || !got.LastDetected.Equal(later) {
		t.Errorf("Unexpected detection times: %v %v", got.FirstDetected, got.LastDetected)
	}

	list, _ := s.ListWorkflowPatterns(ctx, "wf-1")
	if len(list) != 1 {
		t.Errorf("Expected 1 workflow pattern, got %d", len(list))
	}
	list, _ = s.ListPatterns(ctx, 0.5)
	if len(list) != 0 {
		t.Errorf("Expected no pattern above 0.5, got %d", len(list))
	}

	n, err := s.DeletePatternsBefore(ctx, later.Add(time.Second))
	if err != nil || n != 1 {
		t.Errorf("Expected 1 pattern deleted, got %d (%v)", n, err)
	}
}

func TestUpsertPattern_Concurrent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	const workers = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertPattern(ctx, &models.WorkflowPattern{
				ID: "success_wf-1", Type: models.PatternSuccessSequence, Description: "ok",
				Confidence: 0.9, FirstDetected: now, LastDetected: now, WorkflowIDs: []string{"wf-1"},
			})
			if err != nil {
				t.Errorf("UpsertPattern failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetPattern(ctx, "success_wf-1")
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if got.Occurrences != workers {
		t.Errorf("Expected %d occurrences, got %d", workers, got.Occurrences)
	}
}

func TestSupersedeModel(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	m := &models.LearningModel{
		Type:            models.ModelWorkflowOptimization,
		TrainedAt:       now,
		Accuracy:        0.8,
		TrainingSamples: 20,
		Parameters:      map[string]float64{"avg_duration_ms": 1200},
	}
	first, err := s.SupersedeModel(ctx, m, models.PerformanceSnapshot{Timestamp: now, Accuracy: 0.8, SampleCount: 20})
	if err != nil {
		t.Fatalf("SupersedeModel failed: %v", err)
	}
	if first.Version != 1 || len(first.PerformanceHistory) != 1 {
		t.Errorf("Unexpected first model: %+v", first)
	}

	m.Accuracy = 0.9
	m.TrainedAt = now.Add(time.Hour)
	second, err := s.SupersedeModel(ctx, m, models.PerformanceSnapshot{Timestamp: m.TrainedAt, Accuracy: 0.9, SampleCount: 25})
	if err != nil {
		t.Fatalf("SupersedeModel failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("Superseded model should keep its id")
	}
	if second.Version != 2 || second.Accuracy != 0.9 || len(second.PerformanceHistory) != 2 {
		t.Errorf("Unexpected superseded model: %+v", second)
	}
	if second.PerformanceHistory[1].SampleCount != 25 {
		t.Errorf("Expected newest snapshot last, got %+v", second.PerformanceHistory)
	}

	list, _ := s.ListModels(ctx)
	if len(list) != 1 {
		t.Errorf("Expected 1 model, got %d", len(list))
	}
	if _, err := s.GetModel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSuggestions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	now := time.UnixMilli(1_700_000_000_000).UTC()
	low := &models.Suggestion{ModelID: "m1", Type: "retry_tuning", Description: "tune", Confidence: 0.5, WorkflowID: "wf-1", CreatedAt: now}
	high := &models.Suggestion{ModelID: "m1", Type: "optimization", Description: "speed", Confidence: 0.9, WorkflowID: "wf-1",
		Actionable: true, EstimatedImpact: map[string]float64{"duration_reduction": 0.2}, CreatedAt: now}
	for _, sg := range []*models.Suggestion{low, high} {
		if err := s.InsertSuggestion(ctx, sg); err != nil {
			t.Fatalf("InsertSuggestion failed: %v", err)
		}
	}

	list, err := s.ListSuggestions(ctx, "wf-1", "", false)
	if err != nil {
		t.Fatalf("ListSuggestions failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != high.ID {
		t.Fatalf("Expected high-confidence suggestion first, got %+v", list)
	}
	if !list[0].Actionable || list[0].EstimatedImpact["duration_reduction"] != 0.2 {
		t.Errorf("Unexpected suggestion fields: %+v", list[0])
	}

	applied, err := s.ApplySuggestion(ctx, high.ID, now.Add(time.Minute), models.Feedback{Applied: true, Helpful: true})
	if err != nil {
		t.Fatalf("ApplySuggestion failed: %v", err)
	}
	if applied.AppliedAt == nil || applied.Feedback == nil || !applied.Feedback.Helpful {
		t.Errorf("Unexpected applied suggestion: %+v", applied)
	}

	// Re-applying keeps the first timestamp and overwrites feedback
	again, _ := s.ApplySuggestion(ctx, high.ID, now.Add(time.Hour), models.Feedback{Applied: true, Comment: "meh"})
	if !again.AppliedAt.Equal(*applied.AppliedAt) || again.Feedback.Comment != "meh" {
		t.Errorf("Unexpected re-applied suggestion: %+v", again)
	}

	pending, _ := s.ListSuggestions(ctx, "wf-1", "m1", true)
	if len(pending) != 1 || pending[0].ID != low.ID {
		t.Errorf("Expected only the unapplied suggestion, got %+v", pending)
	}

	if _, err := s.ApplySuggestion(ctx, "missing", now, models.Feedback{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	pdr, err := s.WritePDR(ctx, "model.train", "abc123", "success", "m1", "details")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if pdr.ID == "" {
		t.Error("PDR ID should not be empty")
	}
	s.WritePDR(ctx, "entity.cleanup", "def456", "success", "", "")

	entries, err := s.ListPDR(ctx, "model.train", 10)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].SubjectID != "m1" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
