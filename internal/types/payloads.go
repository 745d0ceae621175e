package types

// This file holds the JSON payloads carried between pipeline nodes inside
// PipelineState. They are serialized as compact JSON strings so checkpoints
// stay small; parse/validate happens at node boundaries, never mid-node.

// ExtractionResult is the schema-constrained output of the extraction LLM.
type ExtractionResult struct {
	ProtocolSummary string               `json:"protocol_summary"`
	Criteria        []ExtractedCriterion `json:"criteria"`
}

// ExtractedCriterion is one criterion as emitted by the extraction LLM.
// Composite statements are split at the sentence level by the prompt; the
// structure node rebuilds the logic tree later.
type ExtractedCriterion struct {
	Text               string              `json:"text"`
	CriteriaType       CriteriaType        `json:"criteria_type"`
	Category           string              `json:"category,omitempty"`
	TemporalConstraint *TemporalConstraint `json:"temporal_constraint,omitempty"`
	NumericThresholds  []NumericThreshold  `json:"numeric_thresholds,omitempty"`
	Conditions         []string            `json:"conditions,omitempty"`
	AssertionStatus    AssertionStatus     `json:"assertion_status,omitempty"`
	Confidence         float64             `json:"confidence"`
	SourceSection      string              `json:"source_section,omitempty"`
	PageNumber         *int                `json:"page_number,omitempty"`
	// Entities may be supplied directly by the extraction model; when empty
	// the parse node falls back to its rule-based enumeration.
	Entities []ExtractedEntity `json:"entities,omitempty"`
}

// TemporalConstraint is a duration-anchored restriction on a criterion,
// e.g. "no MI within the last 6 months".
type TemporalConstraint struct {
	Duration       string `json:"duration,omitempty"`
	Relation       string `json:"relation,omitempty"`
	ReferencePoint string `json:"reference_point,omitempty"`
}

// NumericThreshold is one numeric bound from a criterion. A populated
// UpperValue marks a range, which structuring expands into two atoms.
type NumericThreshold struct {
	Value      float64  `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Comparator string   `json:"comparator"`
	UpperValue *float64 `json:"upper_value,omitempty"`
}

// ExtractedEntity is an entity mention inside an extracted criterion.
type ExtractedEntity struct {
	Text       string     `json:"text"`
	EntityType EntityType `json:"entity_type"`
	SpanStart  *int       `json:"span_start,omitempty"`
	SpanEnd    *int       `json:"span_end,omitempty"`
}

// EntityLite is the per-entity work item handed from parse to ground.
// CriterionID refers to the persisted Criteria row.
type EntityLite struct {
	CriterionID   string       `json:"criterion_id"`
	Text          string       `json:"text"`
	CriteriaType  CriteriaType `json:"criteria_type"`
	Category      string       `json:"category,omitempty"`
	EntityType    EntityType   `json:"entity_type"`
	ContextWindow string       `json:"context_window,omitempty"`
	SkipGrounding bool         `json:"skip_grounding,omitempty"`
}

// Candidate is one scored terminology match returned by a provider.
type Candidate struct {
	Code         string  `json:"code"`
	System       string  `json:"system"`
	Display      string  `json:"display"`
	Confidence   float64 `json:"confidence"`
	SemanticType string  `json:"semantic_type,omitempty"`
	Provider     string  `json:"provider,omitempty"`
}

// GroundedEntity is the ground node's per-entity output: the chosen binding
// plus the full candidate list for reviewer inspection.
type GroundedEntity struct {
	CriterionID string          `json:"criterion_id"`
	Text        string          `json:"text"`
	EntityType  EntityType      `json:"entity_type"`
	BestCode    string          `json:"best_code,omitempty"`
	System      string          `json:"system,omitempty"`
	Display     string          `json:"display,omitempty"`
	Confidence  float64         `json:"confidence"`
	Method      GroundingMethod `json:"method"`
	Candidates  []Candidate     `json:"candidates,omitempty"`
	Err         string          `json:"error,omitempty"`
	Skipped     bool            `json:"skipped,omitempty"`
}

// OrdinalProposal is the ordinal-resolve node's suggestion for one atom whose
// unit was missing but whose text matches a known clinical ordinal scale.
type OrdinalProposal struct {
	AtomID        string `json:"atom_id"`
	CriterionID   string `json:"criterion_id"`
	Scale         string `json:"scale"`
	UnitConceptID string `json:"unit_concept_id"`
	Rationale     string `json:"rationale,omitempty"`
}
