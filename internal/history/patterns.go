package history

import (
	"context"
	"fmt"
	"math"

	"github.com/fentz26/contextmem/internal/models"
)

const (
	detectionWindowDays = 7

	failureThreshold  = 3
	failureSaturation = 10.0
	successThreshold  = 10
	successConfidence = 0.9
	bottleneckMinRuns = 5
	bottleneckFactor  = 1.5
	bottleneckHistory = 50
)

// detectStep evaluates one pattern kind. A nil pattern means nothing was detected.
// Evaluation only reads, so it is safe to retry; the resulting upsert is not.
type detectStep struct {
	name     string
	evaluate func(ctx context.Context, rec models.WorkflowExecutionRecord) (*models.WorkflowPattern, error)
}

// steps selects the detectors that apply to a completed record.
func (d *Detector) steps(rec models.WorkflowExecutionRecord) []detectStep {
	var steps []detectStep
	switch rec.Status {
	case models.ExecutionFailure:
		steps = append(steps, detectStep{"failure_point", d.detectFailurePattern})
	case models.ExecutionSuccess:
		steps = append(steps, detectStep{"success_sequence", d.detectSuccessPattern})
	}
	if rec.DurationMS != nil {
		steps = append(steps, detectStep{"performance_bottleneck", d.detectBottleneck})
	}
	return steps
}

func (d *Detector) detectFailurePattern(ctx context.Context, rec models.WorkflowExecutionRecord) (*models.WorkflowPattern, error) {
	since := d.now().AddDate(0, 0, -detectionWindowDays)
	n, err := d.repo.CountExecutions(ctx, rec.WorkflowID, models.ExecutionFailure, since)
	if err != nil {
		return nil, err
	}
	if n < failureThreshold {
		return nil, nil
	}
	return &models.WorkflowPattern{
		ID:             models.PatternID(models.PatternFailurePoint, rec.WorkflowID),
		Type:           models.PatternFailurePoint,
		Description:    fmt.Sprintf("Workflow %s failed %d times in the last %d days", rec.WorkflowID, n, detectionWindowDays),
		Confidence:     math.Min(float64(n)/failureSaturation, 1.0),
		WorkflowIDs:    []string{rec.WorkflowID},
		Recommendation: "Review recent error messages and add validation or retries before the failing step",
	}, nil
}

func (d *Detector) detectSuccessPattern(ctx context.Context, rec models.WorkflowExecutionRecord) (*models.WorkflowPattern, error) {
	since := d.now().AddDate(0, 0, -detectionWindowDays)
	n, err := d.repo.CountExecutions(ctx, rec.WorkflowID, models.ExecutionSuccess, since)
	if err != nil {
		return nil, err
	}
	if n < successThreshold {
		return nil, nil
	}
	return &models.WorkflowPattern{
		ID:             models.PatternID(models.PatternSuccessSequence, rec.WorkflowID),
		Type:           models.PatternSuccessSequence,
		Description:    fmt.Sprintf("Workflow %s succeeded %d times in the last %d days", rec.WorkflowID, n, detectionWindowDays),
		Confidence:     successConfidence,
		WorkflowIDs:    []string{rec.WorkflowID},
		Recommendation: "Use this workflow's configuration as a template for similar workflows",
	}, nil
}

func (d *Detector) detectBottleneck(ctx context.Context, rec models.WorkflowExecutionRecord) (*models.WorkflowPattern, error) {
	durations, err := d.repo.RecentDurations(ctx, rec.WorkflowID, rec.ID, bottleneckHistory)
	if err != nil {
		return nil, err
	}
	if len(durations) < bottleneckMinRuns {
		return nil, nil
	}
	var sum int64
	for _, v := range durations {
		sum += v
	}
	mean := float64(sum) / float64(len(durations))
	current := float64(*rec.DurationMS)
	if mean <= 0 || current <= mean*bottleneckFactor {
		return nil, nil
	}
	return &models.WorkflowPattern{
		ID:   models.PatternID(models.PatternPerformanceBottleneck, rec.WorkflowID),
		Type: models.PatternPerformanceBottleneck,
		Description: fmt.Sprintf("Workflow %s took %dms, %.1fx its average of %.0fms",
			rec.WorkflowID, *rec.DurationMS, current/mean, mean),
		Confidence:     math.Min((current-mean)/mean, 1.0),
		WorkflowIDs:    []string{rec.WorkflowID},
		Recommendation: "Inspect slow steps and consider caching or parallelizing independent tasks",
	}, nil
}

func (d *Detector) upsert(ctx context.Context, p *models.WorkflowPattern) error {
	now := d.now()
	p.FirstDetected = now
	p.LastDetected = now
	saved, err := d.repo.UpsertPattern(ctx, p)
	if err != nil {
		return err
	}
	d.metrics.PatternDetections.WithLabelValues(string(p.Type)).Inc()
	d.log.Info("pattern detected",
		"pattern_id", saved.ID,
		"pattern_type", saved.Type,
		"confidence", saved.Confidence,
		"occurrences", saved.Occurrences,
	)
	return nil
}
