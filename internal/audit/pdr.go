// Package audit writes Process Decision Records for state-mutating memory actions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/contextmem/internal/store"
)

// Actions recorded by the control plane and scheduler.
const (
	ActionModelTrain         = "model.train"
	ActionSuggestionGenerate = "suggestion.generate"
	ActionSuggestionApply    = "suggestion.apply"
	ActionEntityCleanup      = "entity.cleanup"
	ActionHistoryCleanup     = "history.cleanup"
	ActionPatternCleanup     = "pattern.cleanup"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	log store.DecisionLog
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(log store.DecisionLog) *PDRWriter {
	return &PDRWriter{log: log}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, subjectID, details string) (*store.PDREntry, error) {
	return w.log.WritePDR(ctx, action, hashInputs(inputs), outcome, subjectID, details)
}

// List returns the newest records, optionally for one action.
func (w *PDRWriter) List(ctx context.Context, action string, limit int) ([]store.PDREntry, error) {
	return w.log.ListPDR(ctx, action, limit)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
