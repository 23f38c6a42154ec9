package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/google/uuid"
)

const entityColumns = `id, type, name, metadata, first_seen, last_seen, access_count, context, tags, created_at, updated_at`

// TrackEntity inserts a new entity or merges into the existing (type, name) row.
// Metadata is merged shallowly, tags are unioned and access_count grows by one.
func (s *Store) TrackEntity(ctx context.Context, t models.EntityType, name string, metadata map[string]any, tags []string, now time.Time) (*models.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE type = ? AND name = ?`, t, name)
	existing, err := scanEntity(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var entity *models.Entity
	if existing == nil {
		entity = &models.Entity{
			ID:          uuid.New().String(),
			Type:        t,
			Name:        name,
			Metadata:    MergeMetadata(nil, metadata),
			Tags:        UnionTags(nil, tags),
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
		metaJSON, ctxJSON, tagsJSON, err := encodeEntity(entity)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entity.ID, entity.Type, entity.Name, metaJSON, toMillis(entity.FirstSeen), toMillis(entity.LastSeen),
			entity.AccessCount, ctxJSON, tagsJSON, toMillis(entity.CreatedAt), toMillis(entity.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
	} else {
		entity = existing
		entity.Metadata = MergeMetadata(entity.Metadata, metadata)
		entity.Tags = UnionTags(entity.Tags, tags)
		entity.AccessCount++
		entity.LastSeen = now
		entity.UpdatedAt = now
		metaJSON, _, tagsJSON, err := encodeEntity(entity)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE entities SET metadata = ?, tags = ?, access_count = access_count + 1, last_seen = ?, updated_at = ? WHERE id = ?`,
			metaJSON, tagsJSON, toMillis(now), toMillis(now), entity.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("update entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entity, nil
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// QueryEntities lists entities by type and workflow membership.
func (s *Store) QueryEntities(ctx context.Context, f models.EntityFilter) ([]models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE 1 = 1`
	var args []any

	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.WorkflowID != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(entities.context, '$.workflow_ids') WHERE json_each.value = ?)`
		args = append(args, f.WorkflowID)
	}

	by, order := f.NormalizeSort()
	switch by {
	case models.SortByImportance:
		query += ` ORDER BY json_extract(context, '$.importance_score') ` + order
	case models.SortByAccessCount:
		query += ` ORDER BY access_count ` + order
	default:
		query += ` ORDER BY last_seen ` + order
	}
	query += `, id ASC`

	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// SetEntityImportance overwrites the embedded importance score.
func (s *Store) SetEntityImportance(ctx context.Context, id string, score float64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET context = json_set(context, '$.importance_score', ?), updated_at = ? WHERE id = ?`,
		score, toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	return requireAffected(res)
}

// AddEntityWorkflow appends workflowID to the embedded workflow list unless already present.
func (s *Store) AddEntityWorkflow(ctx context.Context, id, workflowID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET context = json_insert(context, '$.workflow_ids[#]', ?), updated_at = ?
		 WHERE id = ? AND NOT EXISTS (SELECT 1 FROM json_each(entities.context, '$.workflow_ids') WHERE json_each.value = ?)`,
		workflowID, toMillis(now), id, workflowID,
	)
	if err != nil {
		return fmt.Errorf("associate workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	// Either already associated or missing.
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query entity: %w", err)
	}
	return nil
}

// CreateRelationship inserts the edge and mirrors it into the source entity in one transaction.
func (s *Store) CreateRelationship(ctx context.Context, rel *models.EntityRelationship) error {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE id IN (?, ?)`, rel.SourceID, rel.TargetID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("check entities: %w", err)
	}
	want := 2
	if rel.SourceID == rel.TargetID {
		want = 1
	}
	if n != want {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_relationships (id, source_entity_id, target_entity_id, relationship_type, strength, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.SourceID, rel.TargetID, rel.Type, rel.Strength, toMillis(rel.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}

	ref, err := encodeJSON(models.RelationshipRef{
		RelationshipID: rel.ID,
		TargetID:       rel.TargetID,
		Type:           rel.Type,
		Strength:       rel.Strength,
	})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET context = json_insert(context, '$.relationships[#]', json(?)), updated_at = ? WHERE id = ?`,
		ref, toMillis(rel.CreatedAt), rel.SourceID,
	)
	if err != nil {
		return fmt.Errorf("mirror relationship: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListRelationships returns edges where the entity is source or target.
func (s *Store) ListRelationships(ctx context.Context, entityID string) ([]models.EntityRelationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_entity_id, target_entity_id, relationship_type, strength, created_at
		 FROM entity_relationships WHERE source_entity_id = ? OR target_entity_id = ? ORDER BY created_at DESC, id ASC`,
		entityID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	var rels []models.EntityRelationship
	for rows.Next() {
		var rel models.EntityRelationship
		var createdAt int64
		if err := rows.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.Type, &rel.Strength, &createdAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rel.CreatedAt = fromMillis(createdAt)
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// DeleteEntitiesSeenBefore removes entities whose last_seen predates cutoff,
// cascading to their edges and to mirrored entries on surviving entities.
func (s *Store) DeleteEntitiesSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ms := toMillis(cutoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM entity_relationships
		 WHERE source_entity_id IN (SELECT id FROM entities WHERE last_seen < ?)
		    OR target_entity_id IN (SELECT id FROM entities WHERE last_seen < ?)`,
		ms, ms,
	)
	if err != nil {
		return 0, fmt.Errorf("delete relationships: %w", err)
	}

	// Collect survivors that mirror an edge to a doomed target.
	rows, err := tx.QueryContext(ctx,
		`SELECT id, context FROM entities e
		 WHERE e.last_seen >= ? AND EXISTS (
			SELECT 1 FROM json_each(e.context, '$.relationships') r
			WHERE json_extract(r.value, '$.target_id') IN (SELECT id FROM entities WHERE last_seen < ?))`,
		ms, ms,
	)
	if err != nil {
		return 0, fmt.Errorf("query mirrored relationships: %w", err)
	}
	type survivor struct {
		id  string
		ctx models.EntityContext
	}
	var survivors []survivor
	for rows.Next() {
		var sv survivor
		var raw string
		if err := rows.Scan(&sv.id, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan entity context: %w", err)
		}
		if err := decodeJSON(raw, &sv.ctx); err != nil {
			rows.Close()
			return 0, err
		}
		survivors = append(survivors, sv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(survivors) > 0 {
		doomed := map[string]bool{}
		idRows, err := tx.QueryContext(ctx, `SELECT id FROM entities WHERE last_seen < ?`, ms)
		if err != nil {
			return 0, fmt.Errorf("query stale entities: %w", err)
		}
		for idRows.Next() {
			var id string
			if err := idRows.Scan(&id); err != nil {
				idRows.Close()
				return 0, fmt.Errorf("scan entity id: %w", err)
			}
			doomed[id] = true
		}
		idRows.Close()

		for _, sv := range survivors {
			kept := sv.ctx.Relationships[:0]
			for _, ref := range sv.ctx.Relationships {
				if !doomed[ref.TargetID] {
					kept = append(kept, ref)
				}
			}
			sv.ctx.Relationships = kept
			raw, err := encodeJSON(sv.ctx)
			if err != nil {
				return 0, err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE entities SET context = ? WHERE id = ?`, raw, sv.id); err != nil {
				return 0, fmt.Errorf("rewrite entity context: %w", err)
			}
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE last_seen < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("delete entities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int(n), nil
}

// EntityStats summarizes the registry.
func (s *Store) EntityStats(ctx context.Context) (*models.EntityStats, error) {
	stats := &models.EntityStats{ByType: map[models.EntityType]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM entities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("query entity counts: %w", err)
	}
	for rows.Next() {
		var t models.EntityType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entity count: %w", err)
		}
		stats.ByType[t] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT AVG(json_extract(context, '$.importance_score')) FROM entities`).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("query average importance: %w", err)
	}
	stats.AverageImportance = avg.Float64

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_relationships`).Scan(&stats.Relationships)
	if err != nil {
		return nil, fmt.Errorf("query relationship count: %w", err)
	}
	return stats, nil
}

func scanEntity(row scanner) (*models.Entity, error) {
	var e models.Entity
	var metaJSON, ctxJSON, tagsJSON string
	var firstSeen, lastSeen, createdAt, updatedAt int64

	err := row.Scan(&e.ID, &e.Type, &e.Name, &metaJSON, &firstSeen, &lastSeen, &e.AccessCount, &ctxJSON, &tagsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	if err := decodeJSON(metaJSON, &e.Metadata); err != nil {
		return nil, err
	}
	if err := decodeJSON(ctxJSON, &e.Context); err != nil {
		return nil, err
	}
	if err := decodeJSON(tagsJSON, &e.Tags); err != nil {
		return nil, err
	}
	normalizeEntity(&e)
	e.FirstSeen = fromMillis(firstSeen)
	e.LastSeen = fromMillis(lastSeen)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

func encodeEntity(e *models.Entity) (metaJSON, ctxJSON, tagsJSON string, err error) {
	if metaJSON, err = encodeJSON(e.Metadata); err != nil {
		return
	}
	if ctxJSON, err = encodeJSON(e.Context); err != nil {
		return
	}
	tagsJSON, err = encodeJSON(e.Tags)
	return
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
