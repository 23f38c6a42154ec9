package memstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/google/uuid"
)

var errClosed = errors.New("memstore closed")

// --- Executions ---

func (s *Store) InsertExecution(ctx context.Context, rec *models.WorkflowExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.EntitiesAccessed == nil {
		rec.EntitiesAccessed = []string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[rec.ID]; ok {
		return errors.New("insert execution: duplicate id")
	}
	stored := clone(rec)
	stored.StartedAt = truncate(stored.StartedAt)
	stored.CreatedAt = truncate(stored.CreatedAt)
	s.executions[rec.ID] = stored
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*models.WorkflowExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, completedAt time.Time, durationMS int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != models.ExecutionRunning {
		return store.ErrAlreadyCompleted
	}
	done := truncate(completedAt)
	d := durationMS
	rec.Status = status
	rec.CompletedAt = &done
	rec.DurationMS = &d
	if errMsg != "" {
		rec.ErrorMessage = errMsg
	}
	return nil
}

func (s *Store) QueryHistory(ctx context.Context, f models.HistoryFilter) ([]models.WorkflowExecutionRecord, error) {
	s.mu.RLock()
	var list []models.WorkflowExecutionRecord
	for _, rec := range s.executions {
		if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.From != nil && rec.StartedAt.Before(truncate(*f.From)) {
			continue
		}
		if f.To != nil && rec.StartedAt.After(truncate(*f.To)) {
			continue
		}
		list = append(list, *clone(rec))
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.After(list[j].StartedAt)
		}
		return list[i].ID < list[j].ID
	})
	return paginate(list, f.Limit, f.Offset), nil
}

func (s *Store) CountExecutions(ctx context.Context, workflowID string, status models.ExecutionStatus, since time.Time) (int, error) {
	since = truncate(since)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, rec := range s.executions {
		if rec.WorkflowID == workflowID && rec.Status == status && !rec.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) RecentDurations(ctx context.Context, workflowID, excludeID string, limit int) ([]int64, error) {
	s.mu.RLock()
	var done []*models.WorkflowExecutionRecord
	for _, rec := range s.executions {
		if rec.WorkflowID != workflowID || rec.ID == excludeID || rec.DurationMS == nil || rec.Status == models.ExecutionRunning {
			continue
		}
		done = append(done, rec)
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].CompletedAt.After(*done[j].CompletedAt)
	})
	durations := make([]int64, 0, len(done))
	for _, rec := range done {
		durations = append(durations, *rec.DurationMS)
	}
	s.mu.RUnlock()

	if limit > 0 && len(durations) > limit {
		durations = durations[:limit]
	}
	return durations, nil
}

func (s *Store) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cutoff = truncate(cutoff)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, rec := range s.executions {
		if rec.StartedAt.Before(cutoff) {
			delete(s.executions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) WorkflowStats(ctx context.Context, workflowID string) (*models.WorkflowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.WorkflowStats{WorkflowID: workflowID, ByStatus: map[models.ExecutionStatus]int{}}
	var sum float64
	var timed int
	for _, rec := range s.executions {
		if rec.WorkflowID != workflowID {
			continue
		}
		stats.ByStatus[rec.Status]++
		stats.Total++
		if rec.DurationMS != nil {
			sum += float64(*rec.DurationMS)
			timed++
		}
	}
	if timed > 0 {
		stats.AverageDurationMS = sum / float64(timed)
	}
	stats.SuccessRate = store.SuccessRate(stats.ByStatus)
	return stats, nil
}

// --- Patterns ---

func (s *Store) UpsertPattern(ctx context.Context, p *models.WorkflowPattern) (*models.WorkflowPattern, error) {
	detected := truncate(p.LastDetected)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.patterns[p.ID]; ok {
		cur.Occurrences++
		cur.Confidence = p.Confidence
		cur.Description = p.Description
		cur.Recommendation = p.Recommendation
		cur.LastDetected = detected
		cur.UpdatedAt = detected
		return clone(cur), nil
	}

	stored := clone(p)
	stored.Occurrences = 1
	stored.FirstDetected = detected
	stored.LastDetected = detected
	stored.CreatedAt = detected
	stored.UpdatedAt = detected
	if stored.WorkflowIDs == nil {
		stored.WorkflowIDs = []string{}
	}
	s.patterns[p.ID] = stored
	return clone(stored), nil
}

func (s *Store) GetPattern(ctx context.Context, id string) (*models.WorkflowPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) ListWorkflowPatterns(ctx context.Context, workflowID string) ([]models.WorkflowPattern, error) {
	return s.listPatterns(func(p *models.WorkflowPattern) bool { return contains(p.WorkflowIDs, workflowID) }), nil
}

func (s *Store) ListPatterns(ctx context.Context, minConfidence float64) ([]models.WorkflowPattern, error) {
	return s.listPatterns(func(p *models.WorkflowPattern) bool { return p.Confidence >= minConfidence }), nil
}

func (s *Store) listPatterns(keep func(*models.WorkflowPattern) bool) []models.WorkflowPattern {
	s.mu.RLock()
	var list []models.WorkflowPattern
	for _, p := range s.patterns {
		if keep(p) {
			list = append(list, *clone(p))
		}
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Confidence != list[j].Confidence {
			return list[i].Confidence > list[j].Confidence
		}
		if !list[i].LastDetected.Equal(list[j].LastDetected) {
			return list[i].LastDetected.After(list[j].LastDetected)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (s *Store) DeletePatternsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cutoff = truncate(cutoff)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, p := range s.patterns {
		if p.LastDetected.Before(cutoff) {
			delete(s.patterns, id)
			n++
		}
	}
	return n, nil
}

// --- Models ---

func (s *Store) SupersedeModel(ctx context.Context, m *models.LearningModel, snap models.PerformanceSnapshot) (*models.LearningModel, error) {
	trainedAt := truncate(m.TrainedAt)
	snap.Timestamp = truncate(snap.Timestamp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.modelsByType[m.Type]; ok {
		cur.Version++
		cur.TrainedAt = trainedAt
		cur.Accuracy = m.Accuracy
		cur.TrainingSamples = m.TrainingSamples
		cur.Parameters = *clone(&m.Parameters)
		cur.PerformanceHistory = append(cur.PerformanceHistory, snap)
		cur.UpdatedAt = trainedAt
		return clone(cur), nil
	}

	stored := clone(m)
	stored.ID = uuid.New().String()
	stored.Version = 1
	stored.TrainedAt = trainedAt
	stored.PerformanceHistory = []models.PerformanceSnapshot{snap}
	stored.CreatedAt = trainedAt
	stored.UpdatedAt = trainedAt
	s.modelsByType[m.Type] = stored
	return clone(stored), nil
}

func (s *Store) GetModel(ctx context.Context, id string) (*models.LearningModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.modelsByType {
		if m.ID == id {
			return clone(m), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetModelByType(ctx context.Context, t models.ModelType) (*models.LearningModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modelsByType[t]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

func (s *Store) ListModels(ctx context.Context) ([]models.LearningModel, error) {
	s.mu.RLock()
	var list []models.LearningModel
	for _, m := range s.modelsByType {
		list = append(list, *clone(m))
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Type < list[j].Type })
	return list, nil
}

// --- Suggestions ---

func (s *Store) InsertSuggestion(ctx context.Context, sg *models.Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := clone(sg)
	stored.CreatedAt = truncate(stored.CreatedAt)
	stored.AppliedAt = nil
	stored.Feedback = nil
	s.suggestions[sg.ID] = stored
	return nil
}

func (s *Store) GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(sg), nil
}

func (s *Store) ListSuggestions(ctx context.Context, workflowID, modelID string, pendingOnly bool) ([]models.Suggestion, error) {
	s.mu.RLock()
	var list []models.Suggestion
	for _, sg := range s.suggestions {
		if workflowID != "" && sg.WorkflowID != workflowID {
			continue
		}
		if modelID != "" && sg.ModelID != modelID {
			continue
		}
		if pendingOnly && sg.AppliedAt != nil {
			continue
		}
		list = append(list, *clone(sg))
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Confidence != list[j].Confidence {
			return list[i].Confidence > list[j].Confidence
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *Store) ApplySuggestion(ctx context.Context, id string, appliedAt time.Time, fb models.Feedback) (*models.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sg.AppliedAt == nil {
		t := truncate(appliedAt)
		sg.AppliedAt = &t
	}
	sg.Feedback = clone(&fb)
	return clone(sg), nil
}

// --- Decision records ---

func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, subjectID, details string) (*store.PDREntry, error) {
	entry := store.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		SubjectID:  subjectID,
		Details:    details,
		Timestamp:  truncate(time.Now()),
	}
	s.mu.Lock()
	s.pdr = append(s.pdr, entry)
	s.mu.Unlock()
	return &entry, nil
}

func (s *Store) ListPDR(ctx context.Context, action string, limit int) ([]store.PDREntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PDREntry
	for i := len(s.pdr) - 1; i >= 0 && len(out) < limit; i-- {
		if action == "" || s.pdr[i].Action == action {
			out = append(out, s.pdr[i])
		}
	}
	return out, nil
}
