// Package scheduler runs periodic training and age-based cleanup on cron schedules.
package scheduler

import (
	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/models"
)

// Job names.
const (
	JobTrain   = "train"
	JobCleanup = "cleanup"
)

// TrainingConfigs returns one training request per model type, built from the
// configured learning defaults.
func TrainingConfigs(lc config.LearningConfig) []models.TrainingConfig {
	out := make([]models.TrainingConfig, 0, len(models.ModelTypes))
	for _, t := range models.ModelTypes {
		out = append(out, models.TrainingConfig{
			ModelType:           t,
			TrainingWindowDays:  lc.TrainingWindowDays,
			MinSamples:          lc.MinSamples,
			ConfidenceThreshold: lc.ConfidenceThreshold,
		})
	}
	return out
}
