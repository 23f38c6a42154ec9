// Package learning fits per-type statistical models over the execution ledger
// and turns them into suggestions.
package learning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/contextmem/internal/cache"
	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
)

var (
	ErrUnknownModelType = errors.New("unknown model type")
	ErrInsufficientData = errors.New("insufficient training data")
	ErrEmptyID          = errors.New("id is required")
)

// InsufficientDataError reports how many samples a training run saw.
type InsufficientDataError struct {
	ModelType models.ModelType
	Have      int
	Need      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data for %s: have %d samples, need %d", e.ModelType, e.Have, e.Need)
}

// Is makes errors.Is(err, ErrInsufficientData) hold.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

const cachePrefix = "model:"

// Repository is the persistence surface the learning service needs.
type Repository interface {
	QueryHistory(ctx context.Context, f models.HistoryFilter) ([]models.WorkflowExecutionRecord, error)
	store.ModelRepository
	store.SuggestionRepository
}

// Service trains models and manages their suggestions.
type Service struct {
	repo     Repository
	cache    *cache.Reader
	defaults config.LearningConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a learning service. Zero fields of a TrainingConfig fall back to defaults.
func New(repo Repository, c *cache.Reader, defaults config.LearningConfig, log *logger.Logger, m *metrics.Metrics, opts ...Option) *Service {
	if c == nil {
		c = cache.NewReader(nil, log)
	}
	if m == nil {
		m = metrics.NewNop()
	}
	s := &Service{
		repo:     repo,
		cache:    c,
		defaults: defaults,
		log:      log.With("service", "LearningModel"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TrainModel summarizes the ledger inside the training window and creates or
// supersedes the model of cfg.ModelType.
func (s *Service) TrainModel(ctx context.Context, cfg models.TrainingConfig) (*models.LearningModel, error) {
	if !cfg.ModelType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelType, cfg.ModelType)
	}
	cfg = s.withDefaults(cfg)

	now := s.now()
	from := now.AddDate(0, 0, -cfg.TrainingWindowDays)
	records, err := s.repo.QueryHistory(ctx, models.HistoryFilter{WorkflowID: cfg.WorkflowID, From: &from})
	if err != nil {
		return nil, fmt.Errorf("load training history: %w", err)
	}
	if len(records) < cfg.MinSamples {
		return nil, &InsufficientDataError{ModelType: cfg.ModelType, Have: len(records), Need: cfg.MinSamples}
	}

	fit := summarize(cfg.ModelType, records)
	fit.params[paramThreshold] = cfg.ConfidenceThreshold
	m := &models.LearningModel{
		Type:            cfg.ModelType,
		TrainedAt:       now,
		Accuracy:        models.ClampUnit(fit.accuracy),
		TrainingSamples: len(records),
		Parameters:      fit.params,
	}
	snap := models.PerformanceSnapshot{Timestamp: now, Accuracy: m.Accuracy, SampleCount: m.TrainingSamples}

	saved, err := s.repo.SupersedeModel(ctx, m, snap)
	if err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}
	s.cache.Invalidate(ctx, cachePrefix+saved.ID)
	s.log.Info("Model trained",
		"model_type", saved.Type,
		"version", saved.Version,
		"accuracy", saved.Accuracy,
		"samples", saved.TrainingSamples,
	)
	return saved, nil
}

func (s *Service) withDefaults(cfg models.TrainingConfig) models.TrainingConfig {
	if cfg.TrainingWindowDays <= 0 {
		cfg.TrainingWindowDays = s.defaults.TrainingWindowDays
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = s.defaults.MinSamples
	}
	// Fitting averages over the samples, so at least one is required.
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = s.defaults.ConfidenceThreshold
	}
	cfg.ConfidenceThreshold = models.ClampUnit(cfg.ConfidenceThreshold)
	return cfg
}

// GetModel returns a model by ID through the read-through cache.
func (s *Service) GetModel(ctx context.Context, id string) (*models.LearningModel, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	return cache.ReadThrough(ctx, s.cache, cachePrefix+id, func(ctx context.Context) (*models.LearningModel, error) {
		return s.repo.GetModel(ctx, id)
	})
}

// GetCurrentModel returns the latest model of a type.
func (s *Service) GetCurrentModel(ctx context.Context, t models.ModelType) (*models.LearningModel, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelType, t)
	}
	return s.repo.GetModelByType(ctx, t)
}

// ListModels returns every current model. Store failures degrade to an empty list.
func (s *Service) ListModels(ctx context.Context) []models.LearningModel {
	list, err := s.repo.ListModels(ctx)
	if err != nil {
		s.readFailed("list_models", err)
		return []models.LearningModel{}
	}
	if list == nil {
		list = []models.LearningModel{}
	}
	return list
}

// GenerateSuggestions runs the model's generator and persists every result.
// Repeated calls produce repeated rows.
func (s *Service) GenerateSuggestions(ctx context.Context, modelID, workflowID string) ([]models.Suggestion, error) {
	m, err := s.GetModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	gen, ok := generators[m.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelType, m.Type)
	}

	threshold, ok := m.Parameters[paramThreshold]
	if !ok {
		threshold = s.defaults.ConfidenceThreshold
	}

	now := s.now()
	out := []models.Suggestion{}
	for _, d := range gen(m.Parameters) {
		conf := models.ClampUnit(d.confidence)
		sg := models.Suggestion{
			ModelID:         m.ID,
			Type:            d.kind,
			Description:     d.description,
			Confidence:      conf,
			EstimatedImpact: d.impact,
			WorkflowID:      workflowID,
			Actionable:      conf >= threshold,
			AutoApply:       conf >= autoApplyConfidence && nonDestructive[d.kind],
			CreatedAt:       now,
		}
		if err := s.repo.InsertSuggestion(ctx, &sg); err != nil {
			return out, fmt.Errorf("save suggestion: %w", err)
		}
		out = append(out, sg)
	}

	s.log.Info("Suggestions generated",
		"model_id", m.ID,
		"model_type", m.Type,
		"workflow_id", workflowID,
		"count", len(out),
	)
	return out, nil
}

// GetWorkflowSuggestions returns the unapplied suggestions for a workflow,
// most confident first. Store failures degrade to an empty list.
func (s *Service) GetWorkflowSuggestions(ctx context.Context, workflowID string) []models.Suggestion {
	list, err := s.repo.ListSuggestions(ctx, workflowID, "", true)
	if err != nil {
		s.readFailed("workflow_suggestions", err)
		return []models.Suggestion{}
	}
	if list == nil {
		list = []models.Suggestion{}
	}
	return list
}

// ListSuggestions returns suggestions filtered by workflow and/or model.
func (s *Service) ListSuggestions(ctx context.Context, workflowID, modelID string, pendingOnly bool) []models.Suggestion {
	list, err := s.repo.ListSuggestions(ctx, workflowID, modelID, pendingOnly)
	if err != nil {
		s.readFailed("list_suggestions", err)
		return []models.Suggestion{}
	}
	if list == nil {
		list = []models.Suggestion{}
	}
	return list
}

// GetSuggestion returns one suggestion.
func (s *Service) GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	return s.repo.GetSuggestion(ctx, id)
}

// ApplySuggestion stamps applied_at on first use and stores fb verbatim.
// Feedback does not influence later training.
func (s *Service) ApplySuggestion(ctx context.Context, id string, fb models.Feedback) (*models.Suggestion, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	sg, err := s.repo.ApplySuggestion(ctx, id, s.now(), fb)
	if err != nil {
		return nil, fmt.Errorf("apply suggestion: %w", err)
	}
	s.log.Info("Suggestion applied", "suggestion_id", id, "helpful", fb.Helpful)
	return sg, nil
}

func (s *Service) readFailed(op string, err error) {
	s.metrics.ReadFailures.WithLabelValues(op).Inc()
	s.log.Warn("read degraded to empty result", "operation", op, "error", err)
}
