package store

import "github.com/fentz26/contextmem/internal/models"

// MergeMetadata shallowly merges next over prev: supplied keys overwrite,
// absent keys are kept. Neither input is modified.
func MergeMetadata(prev, next map[string]any) map[string]any {
	out := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

// UnionTags appends tags from next not already present in prev, preserving order.
func UnionTags(prev, next []string) []string {
	out := make([]string, 0, len(prev)+len(next))
	seen := make(map[string]bool, len(prev)+len(next))
	for _, list := range [][]string{prev, next} {
		for _, tag := range list {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

func normalizeEntity(e *models.Entity) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if e.Context.Relationships == nil {
		e.Context.Relationships = []models.RelationshipRef{}
	}
	if e.Context.WorkflowIDs == nil {
		e.Context.WorkflowIDs = []string{}
	}
}
