// Package history records workflow executions and mines them for patterns.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/google/uuid"
)

var (
	ErrInvalidStatus    = errors.New("invalid execution status")
	ErrEmptyWorkflowID  = errors.New("workflow id is required")
	ErrNegativeAge      = errors.New("max age cannot be negative")
	ErrNegativeDuration = errors.New("duration cannot be negative")
)

// Repository is the persistence surface the history service needs.
type Repository interface {
	store.HistoryRepository
	store.PatternRepository
}

// Service is the execution ledger.
type Service struct {
	repo     Repository
	detector *Detector
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for the service and its detector.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the history service and starts its detection workers.
// Call Close to stop them.
func New(repo Repository, cfg config.DetectorConfig, log *logger.Logger, m *metrics.Metrics, opts ...Option) *Service {
	if m == nil {
		m = metrics.NewNop()
	}
	s := &Service{
		repo:    repo,
		log:     log.With("service", "WorkflowHistory"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.detector = NewDetector(repo, cfg, log, m, s.now)
	s.detector.Start()
	return s
}

// RecordExecution inserts a ledger row, normally in the running status.
func (s *Service) RecordExecution(ctx context.Context, in models.NewExecution) (*models.WorkflowExecutionRecord, error) {
	if in.WorkflowID == "" {
		return nil, ErrEmptyWorkflowID
	}
	if in.Status == "" {
		in.Status = models.ExecutionRunning
	}
	if !in.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	if in.ExecutionID == "" {
		in.ExecutionID = uuid.New().String()
	}

	em := in.Metrics
	em.Version = models.MetricsSchemaVersion
	if em.RetryCount == 0 {
		em.RetryCount = in.RetryCount
	}
	entities := in.EntitiesAccessed
	if entities == nil {
		entities = []string{}
	}

	now := s.now()
	rec := &models.WorkflowExecutionRecord{
		WorkflowID:       in.WorkflowID,
		ExecutionID:      in.ExecutionID,
		StartedAt:        now,
		Status:           in.Status,
		Metrics:          em,
		EntitiesAccessed: entities,
		ErrorMessage:     in.ErrorMessage,
		RetryCount:       in.RetryCount,
		CreatedAt:        now,
	}
	if err := s.repo.InsertExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	s.log.Debug("execution recorded", "record_id", rec.ID, "workflow_id", rec.WorkflowID, "status", rec.Status)
	return rec, nil
}

// CompleteExecution moves a running record to its terminal status and queues
// pattern detection. Detection never affects the result of this call.
//
// A positive durationMS is trusted; otherwise the duration is measured from started_at.
func (s *Service) CompleteExecution(ctx context.Context, id string, status models.ExecutionStatus, durationMS int64, errMsg string) (*models.WorkflowExecutionRecord, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, status)
	}
	if durationMS < 0 {
		return nil, ErrNegativeDuration
	}

	rec, err := s.repo.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("complete execution: %w", err)
	}
	if rec.Status != models.ExecutionRunning {
		return nil, fmt.Errorf("complete execution: %w", store.ErrAlreadyCompleted)
	}

	if durationMS == 0 {
		durationMS = s.now().Sub(rec.StartedAt).Milliseconds()
		if durationMS < 0 {
			durationMS = 0
		}
	}
	completedAt := rec.StartedAt.Add(time.Duration(durationMS) * time.Millisecond)

	if err := s.repo.FinishExecution(ctx, id, status, completedAt, durationMS, errMsg); err != nil {
		return nil, fmt.Errorf("complete execution: %w", err)
	}

	rec.Status = status
	rec.CompletedAt = &completedAt
	rec.DurationMS = &durationMS
	if errMsg != "" {
		rec.ErrorMessage = errMsg
	}

	s.detector.Enqueue(*rec)
	s.log.Debug("execution completed", "record_id", id, "status", status, "duration_ms", durationMS)
	return rec, nil
}

// GetExecution returns one ledger row.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.WorkflowExecutionRecord, error) {
	return s.repo.GetExecution(ctx, id)
}

// QueryHistory lists ledger rows newest first. Store failures degrade to an empty list.
func (s *Service) QueryHistory(ctx context.Context, f models.HistoryFilter) []models.WorkflowExecutionRecord {
	list, err := s.repo.QueryHistory(ctx, f)
	if err != nil {
		s.readFailed("query_history", err)
		return []models.WorkflowExecutionRecord{}
	}
	if list == nil {
		list = []models.WorkflowExecutionRecord{}
	}
	return list
}

// GetWorkflowPatterns lists patterns of one workflow by confidence, then recency.
func (s *Service) GetWorkflowPatterns(ctx context.Context, workflowID string) []models.WorkflowPattern {
	list, err := s.repo.ListWorkflowPatterns(ctx, workflowID)
	if err != nil {
		s.readFailed("workflow_patterns", err)
		return []models.WorkflowPattern{}
	}
	if list == nil {
		list = []models.WorkflowPattern{}
	}
	return list
}

// GetAllPatterns lists every pattern at or above minConfidence.
func (s *Service) GetAllPatterns(ctx context.Context, minConfidence float64) []models.WorkflowPattern {
	list, err := s.repo.ListPatterns(ctx, minConfidence)
	if err != nil {
		s.readFailed("all_patterns", err)
		return []models.WorkflowPattern{}
	}
	if list == nil {
		list = []models.WorkflowPattern{}
	}
	return list
}

// GetWorkflowStats summarizes one workflow. Store failures degrade to zero stats.
func (s *Service) GetWorkflowStats(ctx context.Context, workflowID string) *models.WorkflowStats {
	stats, err := s.repo.WorkflowStats(ctx, workflowID)
	if err != nil {
		s.readFailed("workflow_stats", err)
		return &models.WorkflowStats{WorkflowID: workflowID, ByStatus: map[models.ExecutionStatus]int{}}
	}
	return stats
}

// CleanupOldRecords deletes ledger rows started more than maxAgeDays ago.
func (s *Service) CleanupOldRecords(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, ErrNegativeAge
	}
	n, err := s.repo.DeleteExecutionsBefore(ctx, s.now().AddDate(0, 0, -maxAgeDays))
	if err != nil {
		return 0, fmt.Errorf("cleanup records: %w", err)
	}
	s.log.Info("execution records cleaned up", "removed", n, "max_age_days", maxAgeDays)
	return n, nil
}

// CleanupOldPatterns deletes patterns last detected more than maxAgeDays ago.
func (s *Service) CleanupOldPatterns(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, ErrNegativeAge
	}
	n, err := s.repo.DeletePatternsBefore(ctx, s.now().AddDate(0, 0, -maxAgeDays))
	if err != nil {
		return 0, fmt.Errorf("cleanup patterns: %w", err)
	}
	s.log.Info("patterns cleaned up", "removed", n, "max_age_days", maxAgeDays)
	return n, nil
}

// DetectorStats reports the detection queue state.
func (s *Service) DetectorStats() map[string]interface{} {
	return s.detector.GetStats()
}

// Wait blocks until every queued detection job has finished.
func (s *Service) Wait() {
	s.detector.Wait()
}

// Close drains the detection queue and stops the workers.
func (s *Service) Close() {
	s.detector.Close()
}

func (s *Service) readFailed(op string, err error) {
	s.metrics.ReadFailures.WithLabelValues(op).Inc()
	s.log.Warn("read degraded to empty result", "operation", op, "error", err)
}
