package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackEntity_CopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	e, err := s.TrackEntity(ctx, models.EntityTypeRepository, "org/repo", map[string]any{"stars": 1}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, float64(1), e.Metadata["stars"], "numbers come back as float64 like the SQLite store")

	e.Metadata["stars"] = 99
	got, err := s.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Metadata["stars"])

	again, err := s.TrackEntity(ctx, models.EntityTypeRepository, "org/repo", map[string]any{"stars": 5, "lang": "go"}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, 2, again.AccessCount)
	assert.Equal(t, map[string]any{"stars": float64(5), "lang": "go"}, again.Metadata)
}

func TestDeleteEntitiesSeenBefore_DropsMirrors(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := time.Now().Add(-48 * time.Hour)
	now := time.Now()

	stale, _ := s.TrackEntity(ctx, models.EntityTypeDocument, "old", nil, nil, old)
	fresh, _ := s.TrackEntity(ctx, models.EntityTypeDocument, "new", nil, nil, now)
	require.NoError(t, s.CreateRelationship(ctx, &models.EntityRelationship{
		SourceID: fresh.ID, TargetID: stale.ID, Type: models.RelationshipReferences, Strength: 1, CreatedAt: now,
	}))

	n, err := s.DeleteEntitiesSeenBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetEntity(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Context.Relationships)

	rels, _ := s.ListRelationships(ctx, fresh.ID)
	assert.Empty(t, rels)

	// The (type, name) key is free again
	again, err := s.TrackEntity(ctx, models.EntityTypeDocument, "old", nil, nil, now)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, again.ID)
	assert.Equal(t, 1, again.AccessCount)
}

func TestFinishExecution_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := &models.WorkflowExecutionRecord{WorkflowID: "wf", ExecutionID: "e1", StartedAt: time.Now(), Status: models.ExecutionRunning}
	require.NoError(t, s.InsertExecution(ctx, rec))

	require.NoError(t, s.FinishExecution(ctx, rec.ID, models.ExecutionSuccess, time.Now(), 10, ""))
	assert.ErrorIs(t, s.FinishExecution(ctx, rec.ID, models.ExecutionFailure, time.Now(), 10, ""), store.ErrAlreadyCompleted)
	assert.ErrorIs(t, s.FinishExecution(ctx, "nope", models.ExecutionFailure, time.Now(), 10, ""), store.ErrNotFound)
}

func TestSupersedeModel_Versions(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := &models.LearningModel{Type: models.ModelErrorPrediction, TrainedAt: time.Now(), Accuracy: 0.5, Parameters: map[string]float64{"failure_rate": 0.5}}

	first, err := s.SupersedeModel(ctx, m, models.PerformanceSnapshot{Accuracy: 0.5, SampleCount: 10})
	require.NoError(t, err)
	second, err := s.SupersedeModel(ctx, m, models.PerformanceSnapshot{Accuracy: 0.6, SampleCount: 12})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Version)
	assert.Len(t, second.PerformanceHistory, 2)

	byID, err := s.GetModel(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, byID.Version)
}

func TestPing_AfterClose(t *testing.T) {
	s := New()
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
