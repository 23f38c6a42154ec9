package models

import "time"

// ExecutionStatus is the lifecycle state of a workflow execution record.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailure   ExecutionStatus = "failure"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsValid reports whether the status is recognized.
func (s ExecutionStatus) IsValid() bool {
	return s == ExecutionRunning || s.IsTerminal()
}

// IsTerminal reports whether the status ends an execution.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailure, ExecutionPartial, ExecutionCancelled:
		return true
	}
	return false
}

// MetricsSchemaVersion is written into every stored ExecutionMetrics value.
const MetricsSchemaVersion = 1

// ExecutionMetrics is the typed metrics composite of an execution record.
type ExecutionMetrics struct {
	Version        int            `json:"v"`
	TaskCount      int            `json:"task_count"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksFailed    int            `json:"tasks_failed"`
	RetryCount     int            `json:"retry_count"`
	Accuracy       *float64       `json:"accuracy,omitempty"`
	Resources      *ResourceUsage `json:"resources,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// ResourceUsage captures resource consumption of a run, when the engine reports it.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NetworkKB  float64 `json:"network_kb,omitempty"`
}

// WorkflowExecutionRecord is one ledger row for a single workflow run.
type WorkflowExecutionRecord struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflow_id"`
	ExecutionID      string           `json:"execution_id"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	DurationMS       *int64           `json:"duration_ms,omitempty"`
	Status           ExecutionStatus  `json:"status"`
	Metrics          ExecutionMetrics `json:"metrics"`
	EntitiesAccessed []string         `json:"entities_accessed"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	RetryCount       int              `json:"retry_count"`
	CreatedAt        time.Time        `json:"created_at"`
}

// NewExecution is the input to RecordExecution.
type NewExecution struct {
	WorkflowID       string           `json:"workflow_id"`
	ExecutionID      string           `json:"execution_id"`
	Status           ExecutionStatus  `json:"status"`
	Metrics          ExecutionMetrics `json:"metrics"`
	EntitiesAccessed []string         `json:"entities_accessed"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	RetryCount       int              `json:"retry_count"`
}

// HistoryFilter selects execution records. Zero values mean "no constraint";
// Limit <= 0 returns every matching row.
type HistoryFilter struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Status     ExecutionStatus `json:"status,omitempty"`
	From       *time.Time      `json:"from,omitempty"`
	To         *time.Time      `json:"to,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// WorkflowStats summarizes the ledger for one workflow.
type WorkflowStats struct {
	WorkflowID        string                  `json:"workflow_id"`
	Total             int                     `json:"total"`
	ByStatus          map[ExecutionStatus]int `json:"by_status"`
	SuccessRate       float64                 `json:"success_rate"`
	AverageDurationMS float64                 `json:"average_duration_ms"`
}
