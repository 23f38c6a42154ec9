package learning

import "github.com/fentz26/contextmem/internal/models"

// Parameter keys written into LearningModel.Parameters.
const (
	paramThreshold = "confidence_threshold"

	paramAvgDuration     = "avg_duration_ms"
	paramMinDuration     = "min_duration_ms"
	paramMaxDuration     = "max_duration_ms"
	paramSuccessfulRuns  = "successful_runs"
	paramFailureRate     = "failure_rate"
	paramAvgRetries      = "avg_retries_on_failure"
	paramFailures        = "failures"
	paramResourceCover   = "resource_coverage"
	paramAvgCPU          = "avg_cpu_percent"
	paramAvgMemory       = "avg_memory_mb"
	paramAvgTaskCount    = "avg_task_count"
	paramSuccessRatio    = "success_ratio"
	paramCompletionRatio = "completion_ratio"
)

type fitResult struct {
	accuracy float64
	params   map[string]float64
}

func summarize(t models.ModelType, records []models.WorkflowExecutionRecord) fitResult {
	switch t {
	case models.ModelWorkflowOptimization:
		return fitWorkflowOptimization(records)
	case models.ModelErrorPrediction:
		return fitErrorPrediction(records)
	case models.ModelResourceAllocation:
		return fitResourceAllocation(records)
	default:
		return fitTaskSequencing(records)
	}
}

// fitWorkflowOptimization averages successful durations. Accuracy is the share
// of those runs that finished faster than the average.
func fitWorkflowOptimization(records []models.WorkflowExecutionRecord) fitResult {
	var durations []float64
	for _, r := range records {
		if r.Status == models.ExecutionSuccess && r.DurationMS != nil {
			durations = append(durations, float64(*r.DurationMS))
		}
	}
	params := map[string]float64{paramSuccessfulRuns: float64(len(durations))}
	if len(durations) == 0 {
		params[paramAvgDuration] = 0
		return fitResult{params: params}
	}

	var sum float64
	lo, hi := durations[0], durations[0]
	for _, d := range durations {
		sum += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	avg := sum / float64(len(durations))

	faster := 0
	for _, d := range durations {
		if d < avg {
			faster++
		}
	}
	params[paramAvgDuration] = avg
	params[paramMinDuration] = lo
	params[paramMaxDuration] = hi
	return fitResult{accuracy: float64(faster) / float64(len(durations)), params: params}
}

// fitErrorPrediction measures the failure rate and how hard failed runs retried.
func fitErrorPrediction(records []models.WorkflowExecutionRecord) fitResult {
	failures, retries := 0, 0
	for _, r := range records {
		if r.Status == models.ExecutionFailure {
			failures++
			retries += r.RetryCount
		}
	}
	rate := float64(failures) / float64(len(records))
	avgRetries := 0.0
	if failures > 0 {
		avgRetries = float64(retries) / float64(failures)
	}
	return fitResult{
		accuracy: 1 - rate,
		params: map[string]float64{
			paramFailureRate: rate,
			paramAvgRetries:  avgRetries,
			paramFailures:    float64(failures),
		},
	}
}

// fitResourceAllocation reports how many runs carry resource usage, and the
// average usage among those that do.
func fitResourceAllocation(records []models.WorkflowExecutionRecord) fitResult {
	var withUsage int
	var cpu, mem float64
	for _, r := range records {
		if u := r.Metrics.Resources; u != nil {
			withUsage++
			cpu += u.CPUPercent
			mem += u.MemoryMB
		}
	}
	coverage := float64(withUsage) / float64(len(records))
	params := map[string]float64{paramResourceCover: coverage}
	if withUsage > 0 {
		params[paramAvgCPU] = cpu / float64(withUsage)
		params[paramAvgMemory] = mem / float64(withUsage)
	}
	return fitResult{accuracy: coverage, params: params}
}

// fitTaskSequencing averages task counts of successful runs and blends the
// success ratio with the task completion ratio.
func fitTaskSequencing(records []models.WorkflowExecutionRecord) fitResult {
	successes, tasks := 0, 0
	var totalTasks, completedTasks int
	for _, r := range records {
		totalTasks += r.Metrics.TaskCount
		completedTasks += r.Metrics.TasksCompleted
		if r.Status == models.ExecutionSuccess {
			successes++
			tasks += r.Metrics.TaskCount
		}
	}

	successRatio := float64(successes) / float64(len(records))
	completion := 1.0
	if totalTasks > 0 {
		completion = models.ClampUnit(float64(completedTasks) / float64(totalTasks))
	}
	avgTasks := 0.0
	if successes > 0 {
		avgTasks = float64(tasks) / float64(successes)
	}
	return fitResult{
		accuracy: 0.8*successRatio + 0.2*completion,
		params: map[string]float64{
			paramAvgTaskCount:    avgTasks,
			paramSuccessRatio:    successRatio,
			paramCompletionRatio: completion,
		},
	}
}
