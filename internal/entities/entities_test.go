package entities

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/contextmem/internal/cache"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/fentz26/contextmem/internal/store/memstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, *clock) {
	t.Helper()
	clk := &clock{t: time.UnixMilli(1_700_000_000_000).UTC()}
	log := logger.NewNop()
	reader := cache.NewReader(cache.NewLocal(time.Minute, 0), log)
	return New(memstore.New(), reader, log, metrics.NewNop(), WithClock(clk.now)), clk
}

func TestTrackEntity_IdentityAndCount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var id string
	for i := 1; i <= 5; i++ {
		e, err := svc.TrackEntity(ctx, models.EntityTypePerson, "ada", nil, nil)
		require.NoError(t, err)
		if id == "" {
			id = e.ID
		}
		assert.Equal(t, id, e.ID)
		assert.Equal(t, i, e.AccessCount)
	}
}

func TestTrackEntity_MetadataMerge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.TrackEntity(ctx, models.EntityTypeRepository, "org/repo", map[string]any{"stars": 1}, []string{"oss"})
	require.NoError(t, err)
	e, err := svc.TrackEntity(ctx, models.EntityTypeRepository, "org/repo", map[string]any{"stars": 5, "lang": "go"}, []string{"go"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"stars": float64(5), "lang": "go"}, e.Metadata)
	assert.Equal(t, 2, e.AccessCount)
	assert.Equal(t, []string{"oss", "go"}, e.Tags)

	got, err := svc.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Metadata, got.Metadata)
}

func TestTrackEntity_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.TrackEntity(ctx, "spaceship", "x", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidEntityType)

	_, err = svc.TrackEntity(ctx, models.EntityTypeFile, "   ", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestUpdateImportance_Clamps(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e, _ := svc.TrackEntity(ctx, models.EntityTypeDocument, "doc", nil, nil)

	cases := []struct {
		in   float64
		want float64
	}{
		{150, 100},
		{-3, 0},
		{42.5, 42.5},
		{math.NaN(), 0},
	}
	for _, tc := range cases {
		require.NoError(t, svc.UpdateImportance(ctx, e.ID, tc.in))
		got, err := svc.GetEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Context.ImportanceScore, "input %v", tc.in)
	}

	assert.ErrorIs(t, svc.UpdateImportance(ctx, "missing", 10), store.ErrNotFound)
}

func TestCreateRelationship(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a, _ := svc.TrackEntity(ctx, models.EntityTypePerson, "ada", nil, nil)
	b, _ := svc.TrackEntity(ctx, models.EntityTypeCompany, "acme", nil, nil)

	// Prime the cache so the mirror must invalidate it.
	_, err := svc.GetEntity(ctx, a.ID)
	require.NoError(t, err)

	rel, err := svc.CreateRelationship(ctx, a.ID, b.ID, models.RelationshipWorksWith, 7)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rel.Strength)

	got, err := svc.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.Context.Relationships, 1)
	assert.Equal(t, b.ID, got.Context.Relationships[0].TargetID)
	assert.Equal(t, 1.0, got.Context.Relationships[0].Strength)

	rel, err = svc.CreateRelationship(ctx, b.ID, a.ID, models.RelationshipOwns, -1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rel.Strength)

	assert.Len(t, svc.GetRelationships(ctx, a.ID), 2)

	_, err = svc.CreateRelationship(ctx, a.ID, b.ID, "hates", 0.5)
	assert.ErrorIs(t, err, ErrInvalidRelationshipType)

	_, err = svc.CreateRelationship(ctx, a.ID, "missing", models.RelationshipUses, 0.5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssociateWithWorkflow_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e, _ := svc.TrackEntity(ctx, models.EntityTypeURL, "https://example.com", nil, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AssociateWithWorkflow(ctx, e.ID, "wf-1"))
	}
	got, err := svc.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, got.Context.WorkflowIDs)

	assert.ErrorIs(t, svc.AssociateWithWorkflow(ctx, "missing", "wf-1"), store.ErrNotFound)
	assert.ErrorIs(t, svc.AssociateWithWorkflow(ctx, e.ID, ""), ErrEmptyWorkflowID)
}

func TestQueryEntities(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t)

	a, _ := svc.TrackEntity(ctx, models.EntityTypePerson, "ada", nil, []string{"core"})
	clk.advance(time.Second)
	b, _ := svc.TrackEntity(ctx, models.EntityTypePerson, "bob", nil, []string{"core", "ops"})
	clk.advance(time.Second)
	c, _ := svc.TrackEntity(ctx, models.EntityTypePerson, "cy", nil, []string{"ops"})
	require.NoError(t, svc.UpdateImportance(ctx, a.ID, 80))
	require.NoError(t, svc.UpdateImportance(ctx, c.ID, 10))

	t.Run("bogus sort falls back to last_seen desc", func(t *testing.T) {
		list := svc.QueryEntities(ctx, models.EntityFilter{SortBy: "bogus", SortOrder: "sideways"})
		require.Len(t, list, 3)
		assert.Equal(t, []string{c.ID, b.ID, a.ID}, ids(list))
	})

	t.Run("importance asc", func(t *testing.T) {
		list := svc.QueryEntities(ctx, models.EntityFilter{SortBy: models.SortByImportance, SortOrder: "asc"})
		assert.Equal(t, []string{c.ID, b.ID, a.ID}, ids(list))
	})

	t.Run("tags any-of with pagination after filter", func(t *testing.T) {
		list := svc.QueryEntities(ctx, models.EntityFilter{Tags: []string{"core"}, Limit: 1, Offset: 1})
		require.Len(t, list, 1)
		assert.Equal(t, a.ID, list[0].ID)
	})

	t.Run("min importance", func(t *testing.T) {
		min := 50.0
		list := svc.QueryEntities(ctx, models.EntityFilter{MinImportance: &min})
		assert.Equal(t, []string{b.ID, a.ID}, ids(list))
	})

	t.Run("no match is empty, not nil", func(t *testing.T) {
		list := svc.QueryEntities(ctx, models.EntityFilter{Type: models.EntityTypeEmail})
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})
}

func TestCleanupOldEntities(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t)

	svc.TrackEntity(ctx, models.EntityTypeFile, "old-1", nil, nil)
	svc.TrackEntity(ctx, models.EntityTypeFile, "old-2", nil, nil)
	clk.advance(40 * 24 * time.Hour)
	fresh, _ := svc.TrackEntity(ctx, models.EntityTypeFile, "fresh", nil, nil)

	n, err := svc.CleanupOldEntities(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := svc.GetEntity(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, 1, svc.GetEntityStats(ctx).Total)

	_, err = svc.CleanupOldEntities(ctx, -1)
	assert.ErrorIs(t, err, ErrNegativeAge)
}

// failingRepo fails every call.
type failingRepo struct{ store.EntityRepository }

var errDown = errors.New("store down")

func (failingRepo) QueryEntities(context.Context, models.EntityFilter) ([]models.Entity, error) {
	return nil, errDown
}
func (failingRepo) ListRelationships(context.Context, string) ([]models.EntityRelationship, error) {
	return nil, errDown
}
func (failingRepo) EntityStats(context.Context) (*models.EntityStats, error) { return nil, errDown }
func (failingRepo) TrackEntity(context.Context, models.EntityType, string, map[string]any, []string, time.Time) (*models.Entity, error) {
	return nil, errDown
}

func TestReadPaths_FailOpen(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewNop()
	svc := New(failingRepo{}, nil, logger.NewNop(), m)

	assert.Empty(t, svc.QueryEntities(ctx, models.EntityFilter{}))
	assert.Empty(t, svc.GetRelationships(ctx, "x"))
	assert.Equal(t, 0, svc.GetEntityStats(ctx).Total)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReadFailures.WithLabelValues("query_entities")))

	// Hot-path writes propagate.
	_, err := svc.TrackEntity(ctx, models.EntityTypePerson, "ada", nil, nil)
	assert.ErrorIs(t, err, errDown)
}

func ids(list []models.Entity) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}

// parkingRepo pauses the first GetEntity after it has read the row.
type parkingRepo struct {
	store.EntityRepository
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (r *parkingRepo) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, err := r.EntityRepository.GetEntity(ctx, id)
	r.once.Do(func() {
		close(r.read)
		<-r.release
	})
	return e, err
}

func TestGetEntity_ConcurrentTrackNotOverwrittenByStaleLoad(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.UnixMilli(1_700_000_000_000).UTC()}
	log := logger.NewNop()
	repo := &parkingRepo{EntityRepository: memstore.New(), read: make(chan struct{}), release: make(chan struct{})}
	svc := New(repo, cache.NewReader(cache.NewLocal(0, 0), log), log, metrics.NewNop(), WithClock(clk.now))

	e, err := svc.TrackEntity(ctx, models.EntityTypeRepository, "org/repo", nil, nil)
	require.NoError(t, err)

	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		_, err := svc.GetEntity(ctx, e.ID)
		assert.NoError(t, err)
	}()

	<-repo.read
	clk.advance(time.Second)
	_, err = svc.TrackEntity(ctx, models.EntityTypeRepository, "org/repo", map[string]any{"stars": 5}, nil)
	require.NoError(t, err)
	close(repo.release)
	<-loadDone

	got, err := svc.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.Equal(t, float64(5), got.Metadata["stars"])
}
