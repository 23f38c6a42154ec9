package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/google/uuid"
)

const modelColumns = `id, model_type, version, trained_at, accuracy, training_samples, parameters, performance_history, created_at, updated_at`

// SupersedeModel creates or supersedes the model row for m.Type.
func (s *Store) SupersedeModel(ctx context.Context, m *models.LearningModel, snap models.PerformanceSnapshot) (*models.LearningModel, error) {
	paramsJSON, err := encodeJSON(m.Parameters)
	if err != nil {
		return nil, err
	}
	snapJSON, err := encodeJSON(snap)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_models (`+modelColumns+`) VALUES (?, ?, 1, ?, ?, ?, ?, json_array(json(?)), ?, ?)
		 ON CONFLICT(model_type) DO UPDATE SET
			version = learning_models.version + 1,
			trained_at = excluded.trained_at,
			accuracy = excluded.accuracy,
			training_samples = excluded.training_samples,
			parameters = excluded.parameters,
			performance_history = json_insert(learning_models.performance_history, '$[#]', json(?)),
			updated_at = excluded.updated_at`,
		uuid.New().String(), m.Type, toMillis(m.TrainedAt), m.Accuracy, m.TrainingSamples, paramsJSON, snapJSON,
		toMillis(m.TrainedAt), toMillis(m.TrainedAt), snapJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("supersede model: %w", err)
	}
	return s.GetModelByType(ctx, m.Type)
}

// GetModel retrieves a model by ID.
func (s *Store) GetModel(ctx context.Context, id string) (*models.LearningModel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM learning_models WHERE id = ?`, id)
	return scanModel(row)
}

// GetModelByType retrieves the current model of a type.
func (s *Store) GetModelByType(ctx context.Context, t models.ModelType) (*models.LearningModel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM learning_models WHERE model_type = ?`, t)
	return scanModel(row)
}

// ListModels returns all current models.
func (s *Store) ListModels(ctx context.Context) ([]models.LearningModel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM learning_models ORDER BY model_type`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var list []models.LearningModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

func scanModel(row scanner) (*models.LearningModel, error) {
	var m models.LearningModel
	var trainedAt, createdAt, updatedAt int64
	var paramsJSON, historyJSON string

	err := row.Scan(&m.ID, &m.Type, &m.Version, &trainedAt, &m.Accuracy, &m.TrainingSamples, &paramsJSON, &historyJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model: %w", err)
	}
	if err := decodeJSON(paramsJSON, &m.Parameters); err != nil {
		return nil, err
	}
	if err := decodeJSON(historyJSON, &m.PerformanceHistory); err != nil {
		return nil, err
	}
	m.TrainedAt = fromMillis(trainedAt)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

// --- Suggestion Operations ---

const suggestionColumns = `id, model_id, suggestion_type, description, confidence, estimated_impact, workflow_id, actionable, auto_apply, created_at, applied_at, feedback`

// InsertSuggestion persists a generated suggestion.
func (s *Store) InsertSuggestion(ctx context.Context, sg *models.Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	impactJSON, err := encodeJSON(sg.EstimatedImpact)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_suggestions (`+suggestionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		sg.ID, sg.ModelID, sg.Type, sg.Description, sg.Confidence, impactJSON, nullString(sg.WorkflowID),
		sg.Actionable, sg.AutoApply, toMillis(sg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

// GetSuggestion retrieves a suggestion by ID.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM learning_suggestions WHERE id = ?`, id)
	return scanSuggestion(row)
}

// ListSuggestions returns suggestions ordered by confidence then recency.
func (s *Store) ListSuggestions(ctx context.Context, workflowID, modelID string, pendingOnly bool) ([]models.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM learning_suggestions WHERE 1 = 1`
	var args []any
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	if modelID != "" {
		query += ` AND model_id = ?`
		args = append(args, modelID)
	}
	if pendingOnly {
		query += ` AND applied_at IS NULL`
	}
	query += ` ORDER BY confidence DESC, created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	defer rows.Close()

	var list []models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *sg)
	}
	return list, rows.Err()
}

// ApplySuggestion stamps applied_at on first application and stores feedback.
func (s *Store) ApplySuggestion(ctx context.Context, id string, appliedAt time.Time, fb models.Feedback) (*models.Suggestion, error) {
	fbJSON, err := encodeJSON(fb)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE learning_suggestions SET applied_at = COALESCE(applied_at, ?), feedback = ? WHERE id = ?`,
		toMillis(appliedAt), fbJSON, id,
	)
	if err != nil {
		return nil, fmt.Errorf("apply suggestion: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetSuggestion(ctx, id)
}

func scanSuggestion(row scanner) (*models.Suggestion, error) {
	var sg models.Suggestion
	var impactJSON string
	var workflowID, feedbackJSON sql.NullString
	var createdAt int64
	var appliedAt sql.NullInt64

	err := row.Scan(&sg.ID, &sg.ModelID, &sg.Type, &sg.Description, &sg.Confidence, &impactJSON, &workflowID,
		&sg.Actionable, &sg.AutoApply, &createdAt, &appliedAt, &feedbackJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}
	if err := decodeJSON(impactJSON, &sg.EstimatedImpact); err != nil {
		return nil, err
	}
	if feedbackJSON.Valid {
		sg.Feedback = &models.Feedback{}
		if err := decodeJSON(feedbackJSON.String, sg.Feedback); err != nil {
			return nil, err
		}
	}
	sg.WorkflowID = workflowID.String
	sg.CreatedAt = fromMillis(createdAt)
	sg.AppliedAt = nullMillis(appliedAt)
	return &sg, nil
}
