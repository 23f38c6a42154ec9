// Package models defines the core domain types for contextmem.
package models

import "time"

// EntityType classifies a tracked entity.
type EntityType string

const (
	EntityTypePerson       EntityType = "person"
	EntityTypeCompany      EntityType = "company"
	EntityTypeOrganization EntityType = "organization"
	EntityTypeRepository   EntityType = "repository"
	EntityTypeProject      EntityType = "project"
	EntityTypeWorkflow     EntityType = "workflow"
	EntityTypeDocument     EntityType = "document"
	EntityTypeFile         EntityType = "file"
	EntityTypeURL          EntityType = "url"
	EntityTypeEmail        EntityType = "email"
)

// EntityTypes is the closed set of entity types.
var EntityTypes = []EntityType{
	EntityTypePerson,
	EntityTypeCompany,
	EntityTypeOrganization,
	EntityTypeRepository,
	EntityTypeProject,
	EntityTypeWorkflow,
	EntityTypeDocument,
	EntityTypeFile,
	EntityTypeURL,
	EntityTypeEmail,
}

// IsValid reports whether the entity type is recognized.
func (t EntityType) IsValid() bool {
	for _, v := range EntityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// RelationshipType classifies an edge between two entities.
type RelationshipType string

const (
	RelationshipWorksWith     RelationshipType = "works_with"
	RelationshipOwns          RelationshipType = "owns"
	RelationshipMemberOf      RelationshipType = "member_of"
	RelationshipContributesTo RelationshipType = "contributes_to"
	RelationshipDependsOn     RelationshipType = "depends_on"
	RelationshipReferences    RelationshipType = "references"
	RelationshipUses          RelationshipType = "uses"
	RelationshipRelatedTo     RelationshipType = "related_to"
)

// RelationshipTypes is the closed set of relationship types.
var RelationshipTypes = []RelationshipType{
	RelationshipWorksWith,
	RelationshipOwns,
	RelationshipMemberOf,
	RelationshipContributesTo,
	RelationshipDependsOn,
	RelationshipReferences,
	RelationshipUses,
	RelationshipRelatedTo,
}

// IsValid reports whether the relationship type is recognized.
func (t RelationshipType) IsValid() bool {
	for _, v := range RelationshipTypes {
		if t == v {
			return true
		}
	}
	return false
}

// DefaultImportance is the neutral score given to new entities.
const DefaultImportance = 50.0

// Entity is a deduplicated real-world object, unique by (Type, Name).
type Entity struct {
	ID          string         `json:"id"`
	Type        EntityType     `json:"type"`
	Name        string         `json:"name"`
	Metadata    map[string]any `json:"metadata"`
	Tags        []string       `json:"tags"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	AccessCount int            `json:"access_count"`
	Context     EntityContext  `json:"context"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EntityContext is the embedded composite stored alongside an entity.
type EntityContext struct {
	Relationships   []RelationshipRef `json:"relationships"`
	ImportanceScore float64           `json:"importance_score"`
	WorkflowIDs     []string          `json:"workflow_ids"`
}

// RelationshipRef mirrors an outgoing edge inside the source entity.
type RelationshipRef struct {
	RelationshipID string           `json:"relationship_id"`
	TargetID       string           `json:"target_id"`
	Type           RelationshipType `json:"type"`
	Strength       float64          `json:"strength"`
}

// HasAnyTag reports whether the entity carries any of the given tags.
func (e *Entity) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// EntityRelationship is a directed, weighted edge between two entities.
type EntityRelationship struct {
	ID        string           `json:"id"`
	SourceID  string           `json:"source_entity_id"`
	TargetID  string           `json:"target_entity_id"`
	Type      RelationshipType `json:"relationship_type"`
	Strength  float64          `json:"strength"`
	CreatedAt time.Time        `json:"created_at"`
}

// EntityFilter selects entities in QueryEntities.
type EntityFilter struct {
	Type          EntityType `json:"type,omitempty"`
	WorkflowID    string     `json:"workflow_id,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	MinImportance *float64   `json:"min_importance,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
	SortBy        string     `json:"sort_by,omitempty"`
	SortOrder     string     `json:"sort_order,omitempty"`
}

// Sort keys accepted by EntityFilter.SortBy.
const (
	SortByImportance  = "importance"
	SortByAccessCount = "access_count"
	SortByLastSeen    = "last_seen"
)

// NormalizeSort returns the effective sort key and direction. Unknown keys fall
// back to last_seen and unknown directions fall back to desc.
func (f EntityFilter) NormalizeSort() (by, order string) {
	switch f.SortBy {
	case SortByImportance, SortByAccessCount, SortByLastSeen:
		by = f.SortBy
	default:
		by = SortByLastSeen
	}
	switch f.SortOrder {
	case "asc", "desc":
		order = f.SortOrder
	default:
		order = "desc"
	}
	return by, order
}

// HasPostFilter reports whether filtering must continue in memory after the store query.
func (f EntityFilter) HasPostFilter() bool {
	return len(f.Tags) > 0 || f.MinImportance != nil
}

// EntityStats summarizes the entity registry.
type EntityStats struct {
	Total             int                `json:"total"`
	ByType            map[EntityType]int `json:"by_type"`
	AverageImportance float64            `json:"average_importance"`
	Relationships     int                `json:"relationships"`
}

// CleanupReport counts rows removed by one age-based maintenance pass.
type CleanupReport struct {
	RetentionDays int `json:"retention_days"`
	Entities      int `json:"entities"`
	Executions    int `json:"executions"`
	Patterns      int `json:"patterns"`
}
