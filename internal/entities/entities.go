// Package entities implements the deduplicated entity registry.
package entities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/contextmem/internal/cache"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
)

var (
	ErrInvalidEntityType       = errors.New("invalid entity type")
	ErrInvalidRelationshipType = errors.New("invalid relationship type")
	ErrEmptyName               = errors.New("entity name is required")
	ErrEmptyWorkflowID         = errors.New("workflow id is required")
	ErrNegativeAge             = errors.New("max age cannot be negative")
)

const cachePrefix = "entity:"

// Service tracks entities, their relationships and importance.
type Service struct {
	repo    store.EntityRepository
	cache   *cache.Reader
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates an entity service. A nil cache reader disables caching.
func New(repo store.EntityRepository, c *cache.Reader, log *logger.Logger, m *metrics.Metrics, opts ...Option) *Service {
	if c == nil {
		c = cache.NewReader(nil, log)
	}
	if m == nil {
		m = metrics.NewNop()
	}
	s := &Service{
		repo:    repo,
		cache:   c,
		log:     log.With("service", "EntityStore"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TrackEntity resolves (type, name) to one entity, creating it on first sight.
// Every call bumps access_count.
func (s *Service) TrackEntity(ctx context.Context, t models.EntityType, name string, metadata map[string]any, tags []string) (*models.Entity, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityType, t)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	e, err := s.repo.TrackEntity(ctx, t, name, metadata, tags, s.now())
	if err != nil {
		return nil, fmt.Errorf("track entity: %w", err)
	}
	s.cache.Invalidate(ctx, cachePrefix+e.ID)
	s.log.Debug("entity tracked", "entity_id", e.ID, "type", t, "access_count", e.AccessCount)
	return e, nil
}

// GetEntity returns one entity through the read-through cache.
func (s *Service) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return cache.ReadThrough(ctx, s.cache, cachePrefix+id, func(ctx context.Context) (*models.Entity, error) {
		return s.repo.GetEntity(ctx, id)
	})
}

// QueryEntities lists entities matching f. Store failures degrade to an empty list.
func (s *Service) QueryEntities(ctx context.Context, f models.EntityFilter) []models.Entity {
	primary := f
	if f.HasPostFilter() {
		primary.Limit, primary.Offset = 0, 0
	}

	list, err := s.repo.QueryEntities(ctx, primary)
	if err != nil {
		s.readFailed("query_entities", err)
		return []models.Entity{}
	}
	if !f.HasPostFilter() {
		if list == nil {
			list = []models.Entity{}
		}
		return list
	}

	filtered := make([]models.Entity, 0, len(list))
	for i := range list {
		e := &list[i]
		if len(f.Tags) > 0 && !e.HasAnyTag(f.Tags) {
			continue
		}
		if f.MinImportance != nil && e.Context.ImportanceScore < *f.MinImportance {
			continue
		}
		filtered = append(filtered, *e)
	}
	return page(filtered, f.Limit, f.Offset)
}

// CreateRelationship records a directed edge from sourceID to targetID.
// Strength is clamped to [0,1].
func (s *Service) CreateRelationship(ctx context.Context, sourceID, targetID string, t models.RelationshipType, strength float64) (*models.EntityRelationship, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRelationshipType, t)
	}
	rel := &models.EntityRelationship{
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      t,
		Strength:  models.ClampUnit(strength),
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateRelationship(ctx, rel); err != nil {
		return nil, fmt.Errorf("create relationship: %w", err)
	}
	s.cache.Invalidate(ctx, cachePrefix+sourceID)
	return rel, nil
}

// UpdateImportance sets the importance score, clamped to [0,100].
func (s *Service) UpdateImportance(ctx context.Context, id string, score float64) error {
	if err := s.repo.SetEntityImportance(ctx, id, models.ClampImportance(score), s.now()); err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	s.cache.Invalidate(ctx, cachePrefix+id)
	return nil
}

// AssociateWithWorkflow adds workflowID to the entity's workflow list once.
func (s *Service) AssociateWithWorkflow(ctx context.Context, id, workflowID string) error {
	if workflowID == "" {
		return ErrEmptyWorkflowID
	}
	if err := s.repo.AddEntityWorkflow(ctx, id, workflowID, s.now()); err != nil {
		return fmt.Errorf("associate workflow: %w", err)
	}
	s.cache.Invalidate(ctx, cachePrefix+id)
	return nil
}

// CleanupOldEntities deletes entities not seen for maxAgeDays and returns how many were removed.
func (s *Service) CleanupOldEntities(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, ErrNegativeAge
	}
	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	n, err := s.repo.DeleteEntitiesSeenBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup entities: %w", err)
	}
	if n > 0 {
		// Survivors may have lost mirrored relationships too.
		s.cache.InvalidatePrefix(ctx, cachePrefix)
	}
	s.log.Info("entities cleaned up", "removed", n, "max_age_days", maxAgeDays)
	return n, nil
}

// GetRelationships lists edges touching the entity. Store failures degrade to an empty list.
func (s *Service) GetRelationships(ctx context.Context, entityID string) []models.EntityRelationship {
	rels, err := s.repo.ListRelationships(ctx, entityID)
	if err != nil {
		s.readFailed("get_relationships", err)
		return []models.EntityRelationship{}
	}
	if rels == nil {
		rels = []models.EntityRelationship{}
	}
	return rels
}

// GetEntityStats summarizes the registry. Store failures degrade to zero stats.
func (s *Service) GetEntityStats(ctx context.Context) *models.EntityStats {
	stats, err := s.repo.EntityStats(ctx)
	if err != nil {
		s.readFailed("entity_stats", err)
		return &models.EntityStats{ByType: map[models.EntityType]int{}}
	}
	return stats
}

func (s *Service) readFailed(op string, err error) {
	s.metrics.ReadFailures.WithLabelValues(op).Inc()
	s.log.Warn("read degraded to empty result", "operation", op, "error", err)
}

func page(list []models.Entity, limit, offset int) []models.Entity {
	if offset > 0 {
		if offset >= len(list) {
			return []models.Entity{}
		}
		list = list[offset:]
	}
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
