// Package types defines the core data structures for the sieve eligibility
// pipeline: protocols, criteria batches, criteria, grounded entities, and the
// expression tree persisted for each structured criterion.
package types

import (
	"encoding/json"
	"time"
)

// ProtocolStatus tracks a protocol through the processing state machine.
// Transitions are owned by the pipeline's persist node and the retry command;
// nothing else may move a protocol between states.
type ProtocolStatus string

const (
	StatusUploaded         ProtocolStatus = "uploaded"
	StatusExtracting       ProtocolStatus = "extracting"
	StatusExtractionFailed ProtocolStatus = "extraction_failed"
	StatusGrounding        ProtocolStatus = "grounding"
	StatusGroundingFailed  ProtocolStatus = "grounding_failed"
	StatusPendingReview    ProtocolStatus = "pending_review"
	StatusComplete         ProtocolStatus = "complete"
	StatusArchived         ProtocolStatus = "archived"
)

// IsTerminalFailure reports whether the status is one a retry command may
// restart from.
func (s ProtocolStatus) IsTerminalFailure() bool {
	return s == StatusExtractionFailed || s == StatusGroundingFailed
}

// validTransitions is the full protocol state machine. Both failure states
// retry back to extracting; a rerun that resumes mid-pipeline still passes
// through extracting→grounding. Archival is reachable from every settled
// state, including uploaded (a protocol whose trigger event dead-lettered
// never left it).
var validTransitions = map[ProtocolStatus][]ProtocolStatus{
	StatusUploaded:         {StatusExtracting, StatusArchived},
	StatusExtracting:       {StatusExtractionFailed, StatusGrounding},
	StatusExtractionFailed: {StatusExtracting, StatusArchived},
	StatusGrounding:        {StatusGroundingFailed, StatusPendingReview},
	StatusGroundingFailed:  {StatusExtracting, StatusArchived},
	StatusPendingReview:    {StatusComplete, StatusExtracting, StatusArchived},
	StatusComplete:         {StatusArchived},
	StatusArchived:         {},
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Every status write must pass through this check.
func (s ProtocolStatus) CanTransitionTo(next ProtocolStatus) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Protocol is the aggregate root for a single uploaded trial document.
// Created on upload-confirm, mutated only through the pipeline's persist node
// or a retry command, never deleted.
type Protocol struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	FileURI      string         `json:"file_uri"`
	Status       ProtocolStatus `json:"status"`
	PageCount    *int           `json:"page_count,omitempty"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	ErrorReason  string         `json:"error_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// BatchStatus is the review state of one extraction run.
type BatchStatus string

const (
	BatchPendingReview BatchStatus = "pending_review"
	BatchApproved      BatchStatus = "approved"
	BatchRejected      BatchStatus = "rejected"
)

// CriteriaBatch is one extraction run for a protocol. Re-extraction inserts a
// new batch and archives all prior non-archived batches of the same protocol,
// so at most one non-archived batch exists per protocol.
type CriteriaBatch struct {
	ID              string      `json:"id"`
	ProtocolID      string      `json:"protocol_id"`
	Status          BatchStatus `json:"status"`
	ExtractionModel string      `json:"extraction_model,omitempty"`
	IsArchived      bool        `json:"is_archived"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CriteriaType distinguishes inclusion from exclusion statements.
type CriteriaType string

const (
	Inclusion CriteriaType = "inclusion"
	Exclusion CriteriaType = "exclusion"
)

// AssertionStatus captures how a criterion asserts its condition.
type AssertionStatus string

const (
	AssertPresent      AssertionStatus = "PRESENT"
	AssertAbsent       AssertionStatus = "ABSENT"
	AssertHypothetical AssertionStatus = "HYPOTHETICAL"
	AssertHistorical   AssertionStatus = "HISTORICAL"
	AssertConditional  AssertionStatus = "CONDITIONAL"
)

// ReviewStatus is a reviewer's verdict on one criterion.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewModified ReviewStatus = "modified"
	ReviewRejected ReviewStatus = "rejected"
)

// Criteria is one inclusion/exclusion statement extracted from a protocol.
type Criteria struct {
	ID           string       `json:"id"`
	BatchID      string       `json:"batch_id"`
	CriteriaType CriteriaType `json:"criteria_type"`
	Category     string       `json:"category,omitempty"`
	Text         string       `json:"text"`
	// Position is the document order within the batch. List queries sort on
	// it so criteria come back in the order the model extracted them.
	Position int `json:"position"`
	// StructuredCriterion holds the expression-tree snapshot written by the
	// structure node. Nil until structuring succeeds for this criterion.
	StructuredCriterion json.RawMessage `json:"structured_criterion,omitempty"`
	// Conditions holds grounding output (field_mappings) consumed by the
	// structure node.
	Conditions      *Conditions     `json:"conditions,omitempty"`
	Confidence      float64         `json:"confidence"`
	AssertionStatus AssertionStatus `json:"assertion_status,omitempty"`
	SourceSection   string          `json:"source_section,omitempty"`
	PageNumber      *int            `json:"page_number,omitempty"`
	ReviewStatus    ReviewStatus    `json:"review_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Conditions is the grounded payload stored on a criterion between the
// persist and structure nodes.
type Conditions struct {
	FieldMappings []FieldMapping `json:"field_mappings,omitempty"`
}

// FieldMapping binds one entity surface form to a code plus an optional
// relation/value pair. Emitted by grounding, consumed by structuring.
type FieldMapping struct {
	Entity     string     `json:"entity"`
	EntityType EntityType `json:"entity_type,omitempty"`
	Relation   string     `json:"relation,omitempty"`
	Value      string     `json:"value,omitempty"`
	Unit       string     `json:"unit,omitempty"`
	Code       string     `json:"code,omitempty"`
	System     string     `json:"system,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
}

// EntityType classifies a medical concept extracted from a criterion.
type EntityType string

const (
	EntityCondition   EntityType = "Condition"
	EntityMedication  EntityType = "Medication"
	EntityProcedure   EntityType = "Procedure"
	EntityLabValue    EntityType = "Lab_Value"
	EntityDemographic EntityType = "Demographic"
	EntityBiomarker   EntityType = "Biomarker"
	EntityPhenotype   EntityType = "Phenotype"
)

// GroundingMethod records how an entity's best code binding was chosen.
type GroundingMethod string

const (
	GroundExact        GroundingMethod = "exact"
	GroundSynonym      GroundingMethod = "word/synonym"
	GroundAgentic      GroundingMethod = "agentic"
	GroundExpertReview GroundingMethod = "expert_review"
)

// Entity is a medical concept extracted from a criterion, with its
// terminology code bindings. At least one of Text or a code must be present.
// Demographic entities never carry terminology codes.
type Entity struct {
	ID            string          `json:"id"`
	CriteriaID    string          `json:"criteria_id"`
	EntityType    EntityType      `json:"entity_type"`
	Text          string          `json:"text"`
	SpanStart     *int            `json:"span_start,omitempty"`
	SpanEnd       *int            `json:"span_end,omitempty"`
	UMLSCUI       string          `json:"umls_cui,omitempty"`
	SnomedCode    string          `json:"snomed_code,omitempty"`
	RxNormCode    string          `json:"rxnorm_code,omitempty"`
	LoincCode     string          `json:"loinc_code,omitempty"`
	ICD10Code     string          `json:"icd10_code,omitempty"`
	HPOCode       string          `json:"hpo_code,omitempty"`
	Confidence    float64         `json:"grounding_confidence"`
	Method        GroundingMethod `json:"grounding_method,omitempty"`
	ContextWindow string          `json:"context_window,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HasCode reports whether any terminology code field is set.
func (e *Entity) HasCode() bool {
	return e.UMLSCUI != "" || e.SnomedCode != "" || e.RxNormCode != "" ||
		e.LoincCode != "" || e.ICD10Code != "" || e.HPOCode != ""
}

// SetCode assigns a code to the field matching its terminology system.
// Unknown systems land on UMLSCUI, which doubles as the catch-all binding.
func (e *Entity) SetCode(system, code string) {
	switch system {
	case SystemSnomed:
		e.SnomedCode = code
	case SystemRxNorm:
		e.RxNormCode = code
	case SystemLoinc:
		e.LoincCode = code
	case SystemICD10:
		e.ICD10Code = code
	case SystemHPO:
		e.HPOCode = code
	default:
		e.UMLSCUI = code
	}
}

// Terminology system identifiers used across entities and candidates.
const (
	SystemUMLS   = "UMLS"
	SystemSnomed = "SNOMED"
	SystemRxNorm = "RXNORM"
	SystemLoinc  = "LOINC"
	SystemICD10  = "ICD10CM"
	SystemHPO    = "HPO"
	SystemCPT    = "CPT"
)

// RelationOperator is the comparison operator of an atomic criterion.
type RelationOperator string

const (
	OpEq          RelationOperator = "="
	OpNe          RelationOperator = "!="
	OpGt          RelationOperator = ">"
	OpGe          RelationOperator = ">="
	OpLt          RelationOperator = "<"
	OpLe          RelationOperator = "<="
	OpWithin      RelationOperator = "within"
	OpNotInLast   RelationOperator = "not_in_last"
	OpContains    RelationOperator = "contains"
	OpNotContains RelationOperator = "not_contains"
)

// AtomicCriterion is a leaf of the expression tree: one entity, one operator,
// one value, optional unit and negation. Range constraints are modeled as two
// atoms joined by AND in a parent composite, never as a single atom.
type AtomicCriterion struct {
	ID                  string           `json:"id"`
	CriterionID         string           `json:"criterion_id"`
	ProtocolID          string           `json:"protocol_id"`
	InclusionExclusion  CriteriaType     `json:"inclusion_exclusion"`
	EntityDomain        string           `json:"entity_domain,omitempty"`
	EntityConceptID     string           `json:"entity_concept_id,omitempty"`
	EntityConceptSystem string           `json:"entity_concept_system,omitempty"`
	RelationOperator    RelationOperator `json:"relation_operator"`
	ValueNumeric        *float64         `json:"value_numeric,omitempty"`
	ValueText           string           `json:"value_text,omitempty"`
	UnitText            string           `json:"unit_text,omitempty"`
	UnitConceptID       string           `json:"unit_concept_id,omitempty"`
	Negation            bool             `json:"negation"`
	CreatedAt           time.Time        `json:"created_at"`
}

// LogicOperator combines composite-criterion children.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
	LogicNot LogicOperator = "NOT"
)

// CompositeCriterion is an interior node of the expression tree.
// NOT has exactly one child; AND and OR have at least two.
type CompositeCriterion struct {
	ID            string        `json:"id"`
	CriterionID   string        `json:"criterion_id"`
	ProtocolID    string        `json:"protocol_id"`
	LogicOperator LogicOperator `json:"logic_operator"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NodeKind discriminates the two node tables an edge may point into.
type NodeKind string

const (
	NodeAtom      NodeKind = "atom"
	NodeComposite NodeKind = "composite"
)

// CriterionRelationship is a parent→child edge in a criterion's expression
// tree, ordered among siblings by ChildSequence. Edges never cross criteria.
type CriterionRelationship struct {
	ID            string   `json:"id"`
	CriterionID   string   `json:"criterion_id"`
	ParentID      string   `json:"parent_id"`
	ChildID       string   `json:"child_id"`
	ChildKind     NodeKind `json:"child_kind"`
	ChildSequence int      `json:"child_sequence"`
}

// AuditEntry is one append-only record of a human action or system state
// change. Immutable once written.
type AuditEntry struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Actor         string          `json:"actor"`
	Action        string          `json:"action"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
