// Package memstore is an in-memory store.Repository used by tests and ephemeral runs.
//
// Values are deep-copied through JSON on the way in and out so callers observe
// the same shapes the SQLite store produces (numbers in open maps decode as float64).
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/google/uuid"
)

// Store is a mutex-guarded in-memory Repository.
type Store struct {
	mu sync.RWMutex

	entities      map[string]*models.Entity
	entityKeys    map[string]string
	relationships []models.EntityRelationship
	executions    map[string]*models.WorkflowExecutionRecord
	patterns      map[string]*models.WorkflowPattern
	modelsByType  map[models.ModelType]*models.LearningModel
	suggestions   map[string]*models.Suggestion
	pdr           []store.PDREntry
	closed        bool
}

var _ store.Repository = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		entities:     make(map[string]*models.Entity),
		entityKeys:   make(map[string]string),
		executions:   make(map[string]*models.WorkflowExecutionRecord),
		patterns:     make(map[string]*models.WorkflowPattern),
		modelsByType: make(map[models.ModelType]*models.LearningModel),
		suggestions:  make(map[string]*models.Suggestion),
	}
}

// Ping fails once the store is closed.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed. Data stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// truncate mirrors the millisecond resolution of the SQLite store.
func truncate(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic("memstore: clone: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("memstore: clone: " + err.Error())
	}
	return out
}

func entityKey(t models.EntityType, name string) string {
	return string(t) + "\x00" + name
}

// --- Entities ---

func (s *Store) TrackEntity(ctx context.Context, t models.EntityType, name string, metadata map[string]any, tags []string, now time.Time) (*models.Entity, error) {
	now = truncate(now)
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entityKeys[entityKey(t, name)]; ok {
		e := s.entities[id]
		e.Metadata = store.MergeMetadata(e.Metadata, metadata)
		e.Tags = store.UnionTags(e.Tags, tags)
		e.AccessCount++
		e.LastSeen = now
		e.UpdatedAt = now
		stored := clone(e)
		s.entities[id] = stored
		return clone(stored), nil
	}

	e := &models.Entity{
		ID:          uuid.New().String(),
		Type:        t,
		Name:        name,
		Metadata:    store.MergeMetadata(nil, metadata),
		Tags:        store.UnionTags(nil, tags),
		FirstSeen:   now,
		LastSeen:    now,
		AccessCount: 1,
		Context: models.EntityContext{
			Relationships:   []models.RelationshipRef{},
			ImportanceScore: models.DefaultImportance,
			WorkflowIDs:     []string{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored := clone(e)
	s.entities[e.ID] = stored
	s.entityKeys[entityKey(t, name)] = e.ID
	return clone(stored), nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(e), nil
}

func (s *Store) QueryEntities(ctx context.Context, f models.EntityFilter) ([]models.Entity, error) {
	s.mu.RLock()
	var list []models.Entity
	for _, e := range s.entities {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.WorkflowID != "" && !contains(e.Context.WorkflowIDs, f.WorkflowID) {
			continue
		}
		list = append(list, *clone(e))
	}
	s.mu.RUnlock()

	by, order := f.NormalizeSort()
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		var cmp int
		switch by {
		case models.SortByImportance:
			cmp = compareFloat(a.Context.ImportanceScore, b.Context.ImportanceScore)
		case models.SortByAccessCount:
			cmp = compareFloat(float64(a.AccessCount), float64(b.AccessCount))
		default:
			cmp = compareFloat(float64(a.LastSeen.UnixMilli()), float64(b.LastSeen.UnixMilli()))
		}
		if cmp != 0 {
			if order == "asc" {
				return cmp < 0
			}
			return cmp > 0
		}
		return a.ID < b.ID
	})
	return paginate(list, f.Limit, f.Offset), nil
}

func (s *Store) SetEntityImportance(ctx context.Context, id string, score float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Context.ImportanceScore = score
	e.UpdatedAt = truncate(now)
	return nil
}

func (s *Store) AddEntityWorkflow(ctx context.Context, id, workflowID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return store.ErrNotFound
	}
	if contains(e.Context.WorkflowIDs, workflowID) {
		return nil
	}
	e.Context.WorkflowIDs = append(e.Context.WorkflowIDs, workflowID)
	e.UpdatedAt = truncate(now)
	return nil
}

func (s *Store) CreateRelationship(ctx context.Context, rel *models.EntityRelationship) error {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	rel.CreatedAt = truncate(rel.CreatedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.entities[rel.SourceID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := s.entities[rel.TargetID]; !ok {
		return store.ErrNotFound
	}
	s.relationships = append(s.relationships, *rel)
	src.Context.Relationships = append(src.Context.Relationships, models.RelationshipRef{
		RelationshipID: rel.ID,
		TargetID:       rel.TargetID,
		Type:           rel.Type,
		Strength:       rel.Strength,
	})
	src.UpdatedAt = rel.CreatedAt
	return nil
}

func (s *Store) ListRelationships(ctx context.Context, entityID string) ([]models.EntityRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EntityRelationship
	for _, rel := range s.relationships {
		if rel.SourceID == entityID || rel.TargetID == entityID {
			out = append(out, rel)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteEntitiesSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cutoff = truncate(cutoff)
	s.mu.Lock()
	defer s.mu.Unlock()

	doomed := map[string]bool{}
	for id, e := range s.entities {
		if e.LastSeen.Before(cutoff) {
			doomed[id] = true
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	kept := s.relationships[:0]
	for _, rel := range s.relationships {
		if !doomed[rel.SourceID] && !doomed[rel.TargetID] {
			kept = append(kept, rel)
		}
	}
	s.relationships = kept

	for id, e := range s.entities {
		if doomed[id] {
			delete(s.entityKeys, entityKey(e.Type, e.Name))
			delete(s.entities, id)
			continue
		}
		refs := e.Context.Relationships[:0]
		for _, ref := range e.Context.Relationships {
			if !doomed[ref.TargetID] {
				refs = append(refs, ref)
			}
		}
		e.Context.Relationships = refs
	}
	return len(doomed), nil
}

func (s *Store) EntityStats(ctx context.Context) (*models.EntityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.EntityStats{ByType: map[models.EntityType]int{}, Relationships: len(s.relationships)}
	var sum float64
	for _, e := range s.entities {
		stats.ByType[e.Type]++
		stats.Total++
		sum += e.Context.ImportanceScore
	}
	if stats.Total > 0 {
		stats.AverageImportance = sum / float64(stats.Total)
	}
	return stats, nil
}

// --- Helpers ---

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func paginate[T any](list []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(list) {
			return nil
		}
		list = list[offset:]
	}
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
