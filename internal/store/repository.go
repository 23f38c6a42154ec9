package store

import (
	"context"
	"errors"
	"time"

	"github.com/fentz26/contextmem/internal/models"
)

// Sentinel errors returned by every Repository implementation.
var (
	// ErrNotFound indicates the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyCompleted indicates an execution record already left the running state.
	ErrAlreadyCompleted = errors.New("execution already completed")
)

// EntityRepository persists entities and their relationship edges.
type EntityRepository interface {
	// TrackEntity inserts or merges the entity keyed by (type, name) and bumps access_count.
	TrackEntity(ctx context.Context, t models.EntityType, name string, metadata map[string]any, tags []string, now time.Time) (*models.Entity, error)
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	// QueryEntities applies type, workflow membership, sort and pagination.
	// Tags and MinImportance are left to the caller.
	QueryEntities(ctx context.Context, f models.EntityFilter) ([]models.Entity, error)
	SetEntityImportance(ctx context.Context, id string, score float64, now time.Time) error
	AddEntityWorkflow(ctx context.Context, id, workflowID string, now time.Time) error
	// CreateRelationship writes the edge row and the mirrored entry on the source entity atomically.
	CreateRelationship(ctx context.Context, rel *models.EntityRelationship) error
	ListRelationships(ctx context.Context, entityID string) ([]models.EntityRelationship, error)
	// DeleteEntitiesSeenBefore removes stale entities and their edges, returning the entity count.
	DeleteEntitiesSeenBefore(ctx context.Context, cutoff time.Time) (int, error)
	EntityStats(ctx context.Context) (*models.EntityStats, error)
}

// HistoryRepository persists the workflow execution ledger.
type HistoryRepository interface {
	InsertExecution(ctx context.Context, rec *models.WorkflowExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecutionRecord, error)
	// FinishExecution moves a running record to a terminal status exactly once.
	FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, completedAt time.Time, durationMS int64, errMsg string) error
	QueryHistory(ctx context.Context, f models.HistoryFilter) ([]models.WorkflowExecutionRecord, error)
	CountExecutions(ctx context.Context, workflowID string, status models.ExecutionStatus, since time.Time) (int, error)
	// RecentDurations returns durations of the newest completed records, excluding excludeID.
	RecentDurations(ctx context.Context, workflowID, excludeID string, limit int) ([]int64, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error)
	WorkflowStats(ctx context.Context, workflowID string) (*models.WorkflowStats, error)
}

// PatternRepository persists derived workflow patterns.
type PatternRepository interface {
	// UpsertPattern inserts with occurrences=1 or increments occurrences and
	// refreshes confidence/last_detected in a single atomic step.
	UpsertPattern(ctx context.Context, p *models.WorkflowPattern) (*models.WorkflowPattern, error)
	GetPattern(ctx context.Context, id string) (*models.WorkflowPattern, error)
	ListWorkflowPatterns(ctx context.Context, workflowID string) ([]models.WorkflowPattern, error)
	ListPatterns(ctx context.Context, minConfidence float64) ([]models.WorkflowPattern, error)
	DeletePatternsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ModelRepository persists learning models, one row per model type.
type ModelRepository interface {
	// SupersedeModel creates the model for its type at version 1 or bumps the
	// version of the existing one, appending snap to performance_history.
	SupersedeModel(ctx context.Context, m *models.LearningModel, snap models.PerformanceSnapshot) (*models.LearningModel, error)
	GetModel(ctx context.Context, id string) (*models.LearningModel, error)
	GetModelByType(ctx context.Context, t models.ModelType) (*models.LearningModel, error)
	ListModels(ctx context.Context) ([]models.LearningModel, error)
}

// SuggestionRepository persists model suggestions and their feedback.
type SuggestionRepository interface {
	InsertSuggestion(ctx context.Context, sg *models.Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error)
	// ListSuggestions filters by workflow and/or model; pendingOnly drops applied rows.
	ListSuggestions(ctx context.Context, workflowID, modelID string, pendingOnly bool) ([]models.Suggestion, error)
	// ApplySuggestion stamps applied_at once and overwrites feedback.
	ApplySuggestion(ctx context.Context, id string, appliedAt time.Time, fb models.Feedback) (*models.Suggestion, error)
}

// DecisionLog persists process decision records.
type DecisionLog interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, subjectID, details string) (*PDREntry, error)
	ListPDR(ctx context.Context, action string, limit int) ([]PDREntry, error)
}

// Repository is the full persistence surface used by the memory services.
type Repository interface {
	EntityRepository
	HistoryRepository
	PatternRepository
	ModelRepository
	SuggestionRepository
	DecisionLog
	Ping(ctx context.Context) error
	Close() error
}

// PDREntry is a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
