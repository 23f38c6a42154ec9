package learning

import (
	"fmt"

	"github.com/fentz26/contextmem/internal/models"
)

// Suggestion types.
const (
	SuggestOptimization           = "optimization"
	SuggestErrorPrevention        = "error_prevention"
	SuggestRetryTuning            = "retry_tuning"
	SuggestResourceOptimization   = "resource_optimization"
	SuggestEnableResourceTracking = "enable_resource_tracking"
	SuggestTaskParallelization    = "task_parallelization"
)

const (
	slowWorkflowMS      = 60000
	failureRateLimit    = 0.1
	retryLimit          = 2
	lowResourceCoverage = 0.5
	highMemoryMB        = 1024
	parallelizableTasks = 5
	autoApplyConfidence = 0.95
)

// nonDestructive lists suggestion types safe to apply without review.
var nonDestructive = map[string]bool{
	SuggestEnableResourceTracking: true,
}

type draft struct {
	kind        string
	description string
	confidence  float64
	impact      map[string]float64
}

type generator func(params map[string]float64) []draft

var generators = map[models.ModelType]generator{
	models.ModelWorkflowOptimization: suggestWorkflowOptimization,
	models.ModelErrorPrediction:      suggestErrorPrediction,
	models.ModelResourceAllocation:   suggestResourceAllocation,
	models.ModelTaskSequencing:       suggestTaskSequencing,
}

func suggestWorkflowOptimization(p map[string]float64) []draft {
	avg := p[paramAvgDuration]
	if avg <= slowWorkflowMS {
		return nil
	}
	// 0.6 just over the limit, 0.9 at twice the limit.
	over := min((avg-slowWorkflowMS)/slowWorkflowMS, 1)
	return []draft{{
		kind:        SuggestOptimization,
		description: fmt.Sprintf("Successful runs average %.1fs; cache intermediate results or split long steps", avg/1000),
		confidence:  0.6 + 0.3*over,
		impact: map[string]float64{
			"duration_reduction_pct": 25,
			"time_saved_ms":          avg * 0.25,
		},
	}}
}

func suggestErrorPrediction(p map[string]float64) []draft {
	var out []draft
	rate := p[paramFailureRate]
	if rate > failureRateLimit {
		out = append(out, draft{
			kind:        SuggestErrorPrevention,
			description: fmt.Sprintf("%.0f%% of runs fail; add input validation and guard the failing steps", rate*100),
			confidence:  0.5 + rate,
			impact: map[string]float64{
				"failure_rate_reduction": rate / 2,
			},
		})
	}
	if retries := p[paramAvgRetries]; retries > retryLimit {
		out = append(out, draft{
			kind:        SuggestRetryTuning,
			description: fmt.Sprintf("Failed runs retry %.1f times on average before giving up; lower the retry budget or add backoff", retries),
			confidence:  0.6,
			impact: map[string]float64{
				"retries_saved": retries - 1,
			},
		})
	}
	return out
}

func suggestResourceAllocation(p map[string]float64) []draft {
	coverage := p[paramResourceCover]
	if coverage < lowResourceCoverage {
		return []draft{{
			kind:        SuggestEnableResourceTracking,
			description: fmt.Sprintf("Only %.0f%% of runs report resource usage; enable resource tracking", coverage*100),
			confidence:  1 - coverage,
			impact: map[string]float64{
				"coverage_gain": 1 - coverage,
			},
		}}
	}
	if mem := p[paramAvgMemory]; mem > highMemoryMB {
		return []draft{{
			kind:        SuggestResourceOptimization,
			description: fmt.Sprintf("Runs use %.0f MB of memory on average; reduce batch sizes or stream large inputs", mem),
			confidence:  0.7,
			impact: map[string]float64{
				"memory_reduction_mb": mem * 0.2,
			},
		}}
	}
	return nil
}

func suggestTaskSequencing(p map[string]float64) []draft {
	tasks := p[paramAvgTaskCount]
	if tasks <= parallelizableTasks {
		return nil
	}
	return []draft{{
		kind:        SuggestTaskParallelization,
		description: fmt.Sprintf("Successful runs execute %.1f tasks on average; run independent tasks in parallel", tasks),
		confidence:  min(0.4+0.05*tasks, 0.9) * p[paramSuccessRatio],
		impact: map[string]float64{
			"duration_reduction_pct": 15,
		},
	}}
}
