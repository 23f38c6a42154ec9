package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/contextmem/internal/models"
)

const patternColumns = `id, pattern_type, description, confidence, occurrences, first_detected, last_detected, workflow_ids, recommendation, created_at, updated_at`

// UpsertPattern inserts a pattern or, when the id exists, increments occurrences
// and refreshes confidence, description and last_detected in the same statement.
func (s *Store) UpsertPattern(ctx context.Context, p *models.WorkflowPattern) (*models.WorkflowPattern, error) {
	if p.WorkflowIDs == nil {
		p.WorkflowIDs = []string{}
	}
	workflowsJSON, err := encodeJSON(p.WorkflowIDs)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO workflow_patterns (`+patternColumns+`) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			occurrences = workflow_patterns.occurrences + 1,
			confidence = excluded.confidence,
			description = excluded.description,
			recommendation = excluded.recommendation,
			last_detected = excluded.last_detected,
			updated_at = excluded.updated_at
		 RETURNING `+patternColumns,
		p.ID, p.Type, p.Description, p.Confidence, toMillis(p.LastDetected), toMillis(p.LastDetected),
		workflowsJSON, nullString(p.Recommendation), toMillis(p.LastDetected), toMillis(p.LastDetected),
	)
	saved, err := scanPattern(row)
	if err != nil {
		return nil, fmt.Errorf("upsert pattern: %w", err)
	}
	return saved, nil
}

// GetPattern retrieves a pattern by ID.
func (s *Store) GetPattern(ctx context.Context, id string) (*models.WorkflowPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM workflow_patterns WHERE id = ?`, id)
	return scanPattern(row)
}

// ListWorkflowPatterns returns the patterns that mention workflowID.
func (s *Store) ListWorkflowPatterns(ctx context.Context, workflowID string) ([]models.WorkflowPattern, error) {
	return s.listPatterns(ctx,
		`SELECT `+patternColumns+` FROM workflow_patterns
		 WHERE EXISTS (SELECT 1 FROM json_each(workflow_patterns.workflow_ids) WHERE json_each.value = ?)
		 ORDER BY confidence DESC, last_detected DESC`,
		workflowID,
	)
}

// ListPatterns returns every pattern at or above minConfidence.
func (s *Store) ListPatterns(ctx context.Context, minConfidence float64) ([]models.WorkflowPattern, error) {
	return s.listPatterns(ctx,
		`SELECT `+patternColumns+` FROM workflow_patterns WHERE confidence >= ? ORDER BY confidence DESC, last_detected DESC`,
		minConfidence,
	)
}

// DeletePatternsBefore removes patterns last detected before cutoff.
func (s *Store) DeletePatternsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_patterns WHERE last_detected < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) listPatterns(ctx context.Context, query string, args ...any) ([]models.WorkflowPattern, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []models.WorkflowPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

func scanPattern(row scanner) (*models.WorkflowPattern, error) {
	var p models.WorkflowPattern
	var firstDetected, lastDetected, createdAt, updatedAt int64
	var workflowsJSON string
	var recommendation sql.NullString

	err := row.Scan(&p.ID, &p.Type, &p.Description, &p.Confidence, &p.Occurrences, &firstDetected, &lastDetected,
		&workflowsJSON, &recommendation, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pattern: %w", err)
	}
	if err := decodeJSON(workflowsJSON, &p.WorkflowIDs); err != nil {
		return nil, err
	}
	p.FirstDetected = fromMillis(firstDetected)
	p.LastDetected = fromMillis(lastDetected)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	if recommendation.Valid {
		p.Recommendation = recommendation.String
	}
	return &p, nil
}
