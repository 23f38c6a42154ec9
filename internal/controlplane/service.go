// Package controlplane provides the HTTP API and service layer for the memory daemon.
package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/contextmem/internal/audit"
	"github.com/fentz26/contextmem/internal/entities"
	"github.com/fentz26/contextmem/internal/history"
	"github.com/fentz26/contextmem/internal/learning"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
)

// Service composes the entity store, execution ledger and learning model, and
// records decisions for every state-mutating maintenance or learning action.
type Service struct {
	entities *entities.Service
	history  *history.Service
	learning *learning.Service
	pdr      *audit.PDRWriter
	log      *logger.Logger
}

// NewService creates a new control plane service.
func NewService(e *entities.Service, h *history.Service, l *learning.Service, pdr *audit.PDRWriter, log *logger.Logger) *Service {
	return &Service{
		entities: e,
		history:  h,
		learning: l,
		pdr:      pdr,
		log:      log.With("component", "controlplane"),
	}
}

// --- Entity Operations ---

// TrackEntity registers or refreshes an entity.
func (s *Service) TrackEntity(ctx context.Context, t models.EntityType, name string, metadata map[string]any, tags []string) (*models.Entity, error) {
	return s.entities.TrackEntity(ctx, t, name, metadata, tags)
}

// GetEntity retrieves an entity by ID.
func (s *Service) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return s.entities.GetEntity(ctx, id)
}

// QueryEntities returns filtered entities.
func (s *Service) QueryEntities(ctx context.Context, f models.EntityFilter) []models.Entity {
	return s.entities.QueryEntities(ctx, f)
}

// CreateRelationship links two entities.
func (s *Service) CreateRelationship(ctx context.Context, sourceID, targetID string, t models.RelationshipType, strength float64) (*models.EntityRelationship, error) {
	return s.entities.CreateRelationship(ctx, sourceID, targetID, t, strength)
}

// GetRelationships returns edges touching an entity.
func (s *Service) GetRelationships(ctx context.Context, id string) []models.EntityRelationship {
	return s.entities.GetRelationships(ctx, id)
}

// UpdateImportance sets an entity's importance and returns the updated entity.
func (s *Service) UpdateImportance(ctx context.Context, id string, score float64) (*models.Entity, error) {
	if err := s.entities.UpdateImportance(ctx, id, score); err != nil {
		return nil, err
	}
	return s.entities.GetEntity(ctx, id)
}

// AssociateWithWorkflow adds a workflow to an entity's context.
func (s *Service) AssociateWithWorkflow(ctx context.Context, id, workflowID string) error {
	return s.entities.AssociateWithWorkflow(ctx, id, workflowID)
}

// EntityStats summarizes the registry.
func (s *Service) EntityStats(ctx context.Context) *models.EntityStats {
	return s.entities.GetEntityStats(ctx)
}

// --- Execution Operations ---

// RecordExecution opens a ledger row and associates every accessed entity
// with the workflow. Association failures are logged, not returned.
func (s *Service) RecordExecution(ctx context.Context, in models.NewExecution) (*models.WorkflowExecutionRecord, error) {
	rec, err := s.history.RecordExecution(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, id := range rec.EntitiesAccessed {
		if err := s.entities.AssociateWithWorkflow(ctx, id, rec.WorkflowID); err != nil {
			s.log.Warn("Failed to associate entity with workflow",
				"entity_id", id,
				"workflow_id", rec.WorkflowID,
				"error", err,
			)
		}
	}
	return rec, nil
}

// CompleteExecution finalizes a running ledger row.
func (s *Service) CompleteExecution(ctx context.Context, id string, status models.ExecutionStatus, durationMS int64, errMsg string) (*models.WorkflowExecutionRecord, error) {
	return s.history.CompleteExecution(ctx, id, status, durationMS, errMsg)
}

// GetExecution retrieves a ledger row.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.WorkflowExecutionRecord, error) {
	return s.history.GetExecution(ctx, id)
}

// QueryHistory returns filtered ledger rows.
func (s *Service) QueryHistory(ctx context.Context, f models.HistoryFilter) []models.WorkflowExecutionRecord {
	return s.history.QueryHistory(ctx, f)
}

// GetWorkflowPatterns returns patterns attached to a workflow.
func (s *Service) GetWorkflowPatterns(ctx context.Context, workflowID string) []models.WorkflowPattern {
	return s.history.GetWorkflowPatterns(ctx, workflowID)
}

// GetAllPatterns returns patterns at or above minConfidence.
func (s *Service) GetAllPatterns(ctx context.Context, minConfidence float64) []models.WorkflowPattern {
	return s.history.GetAllPatterns(ctx, minConfidence)
}

// GetWorkflowStats summarizes a workflow's ledger.
func (s *Service) GetWorkflowStats(ctx context.Context, workflowID string) *models.WorkflowStats {
	return s.history.GetWorkflowStats(ctx, workflowID)
}

// DetectorStats reports the pattern detection queue.
func (s *Service) DetectorStats() map[string]interface{} {
	return s.history.DetectorStats()
}

// --- Learning Operations ---

// TrainModel trains a model and records the decision. Insufficient data is
// recorded as skipped.
func (s *Service) TrainModel(ctx context.Context, cfg models.TrainingConfig) (*models.LearningModel, error) {
	m, err := s.learning.TrainModel(ctx, cfg)
	switch {
	case errors.Is(err, learning.ErrInsufficientData):
		s.record(ctx, audit.ActionModelTrain, cfg, audit.OutcomeSkipped, "", err.Error())
		return nil, err
	case err != nil:
		s.record(ctx, audit.ActionModelTrain, cfg, audit.OutcomeFailure, "", err.Error())
		return nil, err
	}
	s.record(ctx, audit.ActionModelTrain, cfg, audit.OutcomeSuccess, m.ID,
		fmt.Sprintf("%s v%d accuracy=%.3f samples=%d", m.Type, m.Version, m.Accuracy, m.TrainingSamples))
	return m, nil
}

// GenerateSuggestions creates suggestions from a model and records the decision.
func (s *Service) GenerateSuggestions(ctx context.Context, modelID, workflowID string) ([]models.Suggestion, error) {
	inputs := map[string]string{"model_id": modelID, "workflow_id": workflowID}
	list, err := s.learning.GenerateSuggestions(ctx, modelID, workflowID)
	if err != nil {
		s.record(ctx, audit.ActionSuggestionGenerate, inputs, audit.OutcomeFailure, modelID, err.Error())
		return nil, err
	}
	s.record(ctx, audit.ActionSuggestionGenerate, inputs, audit.OutcomeSuccess, modelID, fmt.Sprintf("%d suggestions", len(list)))
	return list, nil
}

// ApplySuggestion stores feedback on a suggestion and records the decision.
func (s *Service) ApplySuggestion(ctx context.Context, id string, fb models.Feedback) (*models.Suggestion, error) {
	sg, err := s.learning.ApplySuggestion(ctx, id, fb)
	if err != nil {
		s.record(ctx, audit.ActionSuggestionApply, fb, audit.OutcomeFailure, id, err.Error())
		return nil, err
	}
	s.record(ctx, audit.ActionSuggestionApply, fb, audit.OutcomeSuccess, id, fmt.Sprintf("helpful=%t", fb.Helpful))
	return sg, nil
}

// GetModel retrieves a model by ID.
func (s *Service) GetModel(ctx context.Context, id string) (*models.LearningModel, error) {
	return s.learning.GetModel(ctx, id)
}

// ListModels returns the current model of every trained type.
func (s *Service) ListModels(ctx context.Context) []models.LearningModel {
	return s.learning.ListModels(ctx)
}

// GetWorkflowSuggestions returns pending suggestions for a workflow.
func (s *Service) GetWorkflowSuggestions(ctx context.Context, workflowID string) []models.Suggestion {
	return s.learning.GetWorkflowSuggestions(ctx, workflowID)
}

// ListSuggestions returns suggestions filtered by workflow and/or model.
func (s *Service) ListSuggestions(ctx context.Context, workflowID, modelID string, pendingOnly bool) []models.Suggestion {
	return s.learning.ListSuggestions(ctx, workflowID, modelID, pendingOnly)
}

// --- Maintenance Operations ---

// Cleanup removes entities, ledger rows and patterns older than retentionDays.
// Each step records its own decision; the first failure stops the pass.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (*models.CleanupReport, error) {
	report := &models.CleanupReport{RetentionDays: retentionDays}
	inputs := map[string]int{"retention_days": retentionDays}

	steps := []struct {
		action string
		run    func(context.Context, int) (int, error)
		count  *int
	}{
		{audit.ActionEntityCleanup, s.entities.CleanupOldEntities, &report.Entities},
		{audit.ActionHistoryCleanup, s.history.CleanupOldRecords, &report.Executions},
		{audit.ActionPatternCleanup, s.history.CleanupOldPatterns, &report.Patterns},
	}
	for _, step := range steps {
		n, err := step.run(ctx, retentionDays)
		if err != nil {
			s.record(ctx, step.action, inputs, audit.OutcomeFailure, "", err.Error())
			return report, err
		}
		*step.count = n
		s.record(ctx, step.action, inputs, audit.OutcomeSuccess, "", fmt.Sprintf("removed %d", n))
	}
	return report, nil
}

// ListDecisions returns recent decision records.
func (s *Service) ListDecisions(ctx context.Context, action string, limit int) ([]store.PDREntry, error) {
	return s.pdr.List(ctx, action, limit)
}

func (s *Service) record(ctx context.Context, action string, inputs interface{}, outcome, subjectID, details string) {
	if _, err := s.pdr.Record(ctx, action, inputs, outcome, subjectID, details); err != nil {
		s.log.Warn("Failed to write decision record", "action", action, "error", err)
	}
}
