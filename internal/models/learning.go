package models

import "time"

// ModelType selects a learning model's summarization strategy.
type ModelType string

const (
	ModelWorkflowOptimization ModelType = "workflow_optimization"
	ModelErrorPrediction      ModelType = "error_prediction"
	ModelResourceAllocation   ModelType = "resource_allocation"
	ModelTaskSequencing       ModelType = "task_sequencing"
)

// ModelTypes is the closed set of model types.
var ModelTypes = []ModelType{
	ModelWorkflowOptimization,
	ModelErrorPrediction,
	ModelResourceAllocation,
	ModelTaskSequencing,
}

// IsValid reports whether the model type is recognized.
func (t ModelType) IsValid() bool {
	for _, v := range ModelTypes {
		if t == v {
			return true
		}
	}
	return false
}

// PerformanceSnapshot is one entry of a model's append-only training history.
type PerformanceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Accuracy    float64   `json:"accuracy"`
	SampleCount int       `json:"sample_count"`
}

// LearningModel is a versioned, per-type statistical summary. There is one row
// per model type; retraining bumps Version on the same ID.
type LearningModel struct {
	ID                 string                `json:"id"`
	Type               ModelType             `json:"model_type"`
	Version            int                   `json:"version"`
	TrainedAt          time.Time             `json:"trained_at"`
	Accuracy           float64               `json:"accuracy"`
	TrainingSamples    int                   `json:"training_samples"`
	Parameters         map[string]float64    `json:"parameters"`
	PerformanceHistory []PerformanceSnapshot `json:"performance_history"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// TrainingConfig controls a TrainModel call.
type TrainingConfig struct {
	ModelType           ModelType `json:"model_type" yaml:"model_type"`
	TrainingWindowDays  int       `json:"training_window_days" yaml:"training_window_days"`
	MinSamples          int       `json:"min_samples" yaml:"min_samples"`
	ConfidenceThreshold float64   `json:"confidence_threshold" yaml:"confidence_threshold"`
	WorkflowID          string    `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
}

// Suggestion is an actionable recommendation derived from a model.
type Suggestion struct {
	ID              string             `json:"id"`
	ModelID         string             `json:"model_id"`
	Type            string             `json:"suggestion_type"`
	Description     string             `json:"description"`
	Confidence      float64            `json:"confidence"`
	EstimatedImpact map[string]float64 `json:"estimated_impact"`
	WorkflowID      string             `json:"workflow_id,omitempty"`
	Actionable      bool               `json:"actionable"`
	AutoApply       bool               `json:"auto_apply"`
	CreatedAt       time.Time          `json:"created_at"`
	AppliedAt       *time.Time         `json:"applied_at,omitempty"`
	Feedback        *Feedback          `json:"feedback,omitempty"`
}

// Feedback is stored verbatim when a suggestion is applied.
type Feedback struct {
	Applied      bool               `json:"applied"`
	Helpful      bool               `json:"helpful"`
	ActualImpact map[string]float64 `json:"actual_impact,omitempty"`
	Comment      string             `json:"comment,omitempty"`
}
