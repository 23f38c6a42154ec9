package models

import "time"

// PatternType classifies a mined workflow pattern.
type PatternType string

const (
	PatternFailurePoint          PatternType = "failure_point"
	PatternPerformanceBottleneck PatternType = "performance_bottleneck"
	PatternSuccessSequence       PatternType = "success_sequence"
)

// WorkflowPattern is a derived signal mined from repeated execution records.
type WorkflowPattern struct {
	ID             string      `json:"id"`
	Type           PatternType `json:"pattern_type"`
	Description    string      `json:"description"`
	Confidence     float64     `json:"confidence"`
	Occurrences    int         `json:"occurrences"`
	FirstDetected  time.Time   `json:"first_detected"`
	LastDetected   time.Time   `json:"last_detected"`
	WorkflowIDs    []string    `json:"workflow_ids"`
	Recommendation string      `json:"recommendation,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PatternID returns the stable id of a pattern type for a workflow.
func PatternID(t PatternType, workflowID string) string {
	switch t {
	case PatternFailurePoint:
		return "failure_" + workflowID
	case PatternPerformanceBottleneck:
		return "bottleneck_" + workflowID
	case PatternSuccessSequence:
		return "success_" + workflowID
	}
	return string(t) + "_" + workflowID
}
