package types

// ProtocolFilter narrows protocol list queries. Zero value lists everything
// except archived protocols.
type ProtocolFilter struct {
	Statuses        []ProtocolStatus `json:"statuses,omitempty"`
	Search          string           `json:"search,omitempty"` // substring match on title
	IncludeArchived bool             `json:"include_archived,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Offset          int              `json:"offset,omitempty"`
}

// AuditFilter narrows audit queries to one aggregate or actor.
type AuditFilter struct {
	AggregateType string `json:"aggregate_type,omitempty"`
	AggregateID   string `json:"aggregate_id,omitempty"`
	Actor         string `json:"actor,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// CriterionTree is the persisted expression tree of one structured criterion:
// its atoms, composites, and the ordered parent→child edges between them.
type CriterionTree struct {
	CriterionID   string                   `json:"criterion_id"`
	Atoms         []*AtomicCriterion       `json:"atoms"`
	Composites    []*CompositeCriterion    `json:"composites"`
	Relationships []*CriterionRelationship `json:"relationships"`
}

// RootComposite returns the composite that no edge points at, or nil for
// single-atom trees that have no composite at all.
func (t *CriterionTree) RootComposite() *CompositeCriterion {
	if len(t.Composites) == 0 {
		return nil
	}
	child := make(map[string]bool, len(t.Relationships))
	for _, r := range t.Relationships {
		if r.ChildKind == NodeComposite {
			child[r.ChildID] = true
		}
	}
	for _, c := range t.Composites {
		if !child[c.ID] {
			return c
		}
	}
	return nil
}
