package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/google/uuid"
)

const historyColumns = `id, workflow_id, execution_id, started_at, completed_at, duration_ms, status, metrics, entities_accessed, error_message, retry_count, created_at`

// InsertExecution inserts a new ledger row.
func (s *Store) InsertExecution(ctx context.Context, rec *models.WorkflowExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	metricsJSON, err := encodeJSON(rec.Metrics)
	if err != nil {
		return err
	}
	if rec.EntitiesAccessed == nil {
		rec.EntitiesAccessed = []string{}
	}
	entitiesJSON, err := encodeJSON(rec.EntitiesAccessed)
	if err != nil {
		return err
	}

	var completedAt, durationMS sql.NullInt64
	if rec.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toMillis(*rec.CompletedAt), Valid: true}
	}
	if rec.DurationMS != nil {
		durationMS = sql.NullInt64{Int64: *rec.DurationMS, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.ExecutionID, toMillis(rec.StartedAt), completedAt, durationMS,
		rec.Status, metricsJSON, entitiesJSON, nullString(rec.ErrorMessage), rec.RetryCount, toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.WorkflowExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM workflow_history WHERE id = ?`, id)
	return scanExecution(row)
}

// FinishExecution moves a running record to its terminal status.
func (s *Store) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, completedAt time.Time, durationMS int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_history SET status = ?, completed_at = ?, duration_ms = ?, error_message = COALESCE(?, error_message)
		 WHERE id = ? AND status = ?`,
		status, toMillis(completedAt), durationMS, nullString(errMsg), id, models.ExecutionRunning,
	)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM workflow_history WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query execution: %w", err)
	}
	return ErrAlreadyCompleted
}

// QueryHistory lists execution records, newest first.
func (s *Store) QueryHistory(ctx context.Context, f models.HistoryFilter) ([]models.WorkflowExecutionRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM workflow_history WHERE 1 = 1`
	var args []any

	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.From != nil {
		query += ` AND started_at >= ?`
		args = append(args, toMillis(*f.From))
	}
	if f.To != nil {
		query += ` AND started_at <= ?`
		args = append(args, toMillis(*f.To))
	}
	query += ` ORDER BY started_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []models.WorkflowExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// CountExecutions counts records of a workflow with the given status started at or after since.
func (s *Store) CountExecutions(ctx context.Context, workflowID string, status models.ExecutionStatus, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_history WHERE workflow_id = ? AND status = ? AND started_at >= ?`,
		workflowID, status, toMillis(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// RecentDurations returns durations of the newest completed records of a workflow.
func (s *Store) RecentDurations(ctx context.Context, workflowID, excludeID string, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT duration_ms FROM workflow_history
		 WHERE workflow_id = ? AND id != ? AND duration_ms IS NOT NULL AND status != ?
		 ORDER BY completed_at DESC LIMIT ?`,
		workflowID, excludeID, models.ExecutionRunning, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		durations = append(durations, d)
	}
	return durations, rows.Err()
}

// DeleteExecutionsBefore removes records started before cutoff.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_history WHERE started_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// WorkflowStats aggregates the ledger of one workflow.
func (s *Store) WorkflowStats(ctx context.Context, workflowID string) (*models.WorkflowStats, error) {
	stats := &models.WorkflowStats{
		WorkflowID: workflowID,
		ByStatus:   map[models.ExecutionStatus]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflow_history WHERE workflow_id = ? GROUP BY status`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow stats: %w", err)
	}
	for rows.Next() {
		var status models.ExecutionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan workflow stats: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM workflow_history WHERE workflow_id = ? AND duration_ms IS NOT NULL`, workflowID,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("query average duration: %w", err)
	}
	stats.AverageDurationMS = avg.Float64
	stats.SuccessRate = SuccessRate(stats.ByStatus)
	return stats, nil
}

// SuccessRate is successes over terminal executions.
func SuccessRate(byStatus map[models.ExecutionStatus]int) float64 {
	var terminal int
	for status, n := range byStatus {
		if status.IsTerminal() {
			terminal += n
		}
	}
	if terminal == 0 {
		return 0
	}
	return float64(byStatus[models.ExecutionSuccess]) / float64(terminal)
}

func scanExecution(row scanner) (*models.WorkflowExecutionRecord, error) {
	var rec models.WorkflowExecutionRecord
	var startedAt, createdAt int64
	var completedAt, durationMS sql.NullInt64
	var metricsJSON, entitiesJSON string
	var errMsg sql.NullString

	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.ExecutionID, &startedAt, &completedAt, &durationMS,
		&rec.Status, &metricsJSON, &entitiesJSON, &errMsg, &rec.RetryCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if err := decodeJSON(metricsJSON, &rec.Metrics); err != nil {
		return nil, err
	}
	if err := decodeJSON(entitiesJSON, &rec.EntitiesAccessed); err != nil {
		return nil, err
	}
	if rec.EntitiesAccessed == nil {
		rec.EntitiesAccessed = []string{}
	}
	rec.StartedAt = fromMillis(startedAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.CompletedAt = nullMillis(completedAt)
	if durationMS.Valid {
		d := durationMS.Int64
		rec.DurationMS = &d
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	return &rec, nil
}
