package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampImportance(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-10, 0},
		{0, 0},
		{42.5, 42.5},
		{100, 100},
		{250, 100},
		{math.NaN(), 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClampImportance(tc.in), "input %v", tc.in)
	}
}

func TestClampUnit(t *testing.T) {
	assert.Equal(t, 0.0, ClampUnit(-0.5))
	assert.Equal(t, 0.25, ClampUnit(0.25))
	assert.Equal(t, 1.0, ClampUnit(7))
}

func TestNormalizeSortFallsBack(t *testing.T) {
	by, order := EntityFilter{SortBy: "bogus", SortOrder: "sideways"}.NormalizeSort()
	assert.Equal(t, SortByLastSeen, by)
	assert.Equal(t, "desc", order)

	by, order = EntityFilter{SortBy: SortByImportance, SortOrder: "asc"}.NormalizeSort()
	assert.Equal(t, SortByImportance, by)
	assert.Equal(t, "asc", order)
}

func TestEnumsValidate(t *testing.T) {
	assert.True(t, EntityTypeRepository.IsValid())
	assert.False(t, EntityType("spaceship").IsValid())
	assert.True(t, RelationshipDependsOn.IsValid())
	assert.False(t, RelationshipType("hates").IsValid())
	assert.True(t, ModelTaskSequencing.IsValid())
	assert.False(t, ModelType("gradient_boost").IsValid())

	assert.False(t, ExecutionRunning.IsTerminal())
	assert.True(t, ExecutionRunning.IsValid())
	assert.True(t, ExecutionCancelled.IsTerminal())
	assert.False(t, ExecutionStatus("paused").IsValid())
}

func TestPatternID(t *testing.T) {
	assert.Equal(t, "failure_wf-1", PatternID(PatternFailurePoint, "wf-1"))
	assert.Equal(t, "bottleneck_wf-1", PatternID(PatternPerformanceBottleneck, "wf-1"))
	assert.Equal(t, "success_wf-1", PatternID(PatternSuccessSequence, "wf-1"))
}
