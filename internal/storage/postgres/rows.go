package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cohortforge/sieve/internal/types"
)

// queries holds every statement implementation. ext is either *sqlx.DB or
// *sqlx.Tx, so the same code serves plain calls and transactions.
type queries struct {
	ext sqlx.ExtContext
}

type protocolRow struct {
	ID           string    `db:"id"`
	Title        string    `db:"title"`
	FileURI      string    `db:"file_uri"`
	Status       string    `db:"status"`
	PageCount    *int      `db:"page_count"`
	QualityScore *float64  `db:"quality_score"`
	ErrorReason  string    `db:"error_reason"`
	Metadata     []byte    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

const protocolColumns = `id, title, file_uri, status, page_count, quality_score, error_reason, metadata, created_at, updated_at`

func (r *protocolRow) toDomain() (*types.Protocol, error) {
	p := &types.Protocol{
		ID:           r.ID,
		Title:        r.Title,
		FileURI:      r.FileURI,
		Status:       types.ProtocolStatus(r.Status),
		PageCount:    r.PageCount,
		QualityScore: r.QualityScore,
		ErrorReason:  r.ErrorReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode protocol %s metadata: %w", r.ID, err)
		}
	}
	return p, nil
}

type batchRow struct {
	ID              string    `db:"id"`
	ProtocolID      string    `db:"protocol_id"`
	Status          string    `db:"status"`
	ExtractionModel string    `db:"extraction_model"`
	IsArchived      bool      `db:"is_archived"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

const batchColumns = `id, protocol_id, status, extraction_model, is_archived, created_at, updated_at`

func (r *batchRow) toDomain() *types.CriteriaBatch {
	return &types.CriteriaBatch{
		ID:              r.ID,
		ProtocolID:      r.ProtocolID,
		Status:          types.BatchStatus(r.Status),
		ExtractionModel: r.ExtractionModel,
		IsArchived:      r.IsArchived,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type criteriaRow struct {
	ID                  string    `db:"id"`
	BatchID             string    `db:"batch_id"`
	CriteriaType        string    `db:"criteria_type"`
	Category            string    `db:"category"`
	Text                string    `db:"text"`
	Position            int       `db:"position"`
	StructuredCriterion []byte    `db:"structured_criterion"`
	Conditions          []byte    `db:"conditions"`
	Confidence          float64   `db:"confidence"`
	AssertionStatus     string    `db:"assertion_status"`
	SourceSection       string    `db:"source_section"`
	PageNumber          *int      `db:"page_number"`
	ReviewStatus        string    `db:"review_status"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

const criteriaColumns = `id, batch_id, criteria_type, category, text, position, structured_criterion, conditions, confidence, assertion_status, source_section, page_number, review_status, created_at, updated_at`

func (r *criteriaRow) toDomain() (*types.Criteria, error) {
	cr := &types.Criteria{
		ID:              r.ID,
		BatchID:         r.BatchID,
		CriteriaType:    types.CriteriaType(r.CriteriaType),
		Category:        r.Category,
		Text:            r.Text,
		Position:        r.Position,
		Confidence:      r.Confidence,
		AssertionStatus: types.AssertionStatus(r.AssertionStatus),
		SourceSection:   r.SourceSection,
		PageNumber:      r.PageNumber,
		ReviewStatus:    types.ReviewStatus(r.ReviewStatus),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.StructuredCriterion) > 0 {
		cr.StructuredCriterion = json.RawMessage(r.StructuredCriterion)
	}
	if len(r.Conditions) > 0 {
		var cond types.Conditions
		if err := json.Unmarshal(r.Conditions, &cond); err != nil {
			return nil, fmt.Errorf("decode criterion %s conditions: %w", r.ID, err)
		}
		cr.Conditions = &cond
	}
	return cr, nil
}

type entityRow struct {
	ID            string    `db:"id"`
	CriteriaID    string    `db:"criteria_id"`
	EntityType    string    `db:"entity_type"`
	Text          string    `db:"text"`
	SpanStart     *int      `db:"span_start"`
	SpanEnd       *int      `db:"span_end"`
	UMLSCUI       string    `db:"umls_cui"`
	SnomedCode    string    `db:"snomed_code"`
	RxNormCode    string    `db:"rxnorm_code"`
	LoincCode     string    `db:"loinc_code"`
	ICD10Code     string    `db:"icd10_code"`
	HPOCode       string    `db:"hpo_code"`
	Confidence    float64   `db:"grounding_confidence"`
	Method        string    `db:"grounding_method"`
	ContextWindow string    `db:"context_window"`
	CreatedAt     time.Time `db:"created_at"`
}

const entityColumns = `id, criteria_id, entity_type, text, span_start, span_end, umls_cui, snomed_code, rxnorm_code, loinc_code, icd10_code, hpo_code, grounding_confidence, grounding_method, context_window, created_at`

func (r *entityRow) toDomain() *types.Entity {
	return &types.Entity{
		ID:            r.ID,
		CriteriaID:    r.CriteriaID,
		EntityType:    types.EntityType(r.EntityType),
		Text:          r.Text,
		SpanStart:     r.SpanStart,
		SpanEnd:       r.SpanEnd,
		UMLSCUI:       r.UMLSCUI,
		SnomedCode:    r.SnomedCode,
		RxNormCode:    r.RxNormCode,
		LoincCode:     r.LoincCode,
		ICD10Code:     r.ICD10Code,
		HPOCode:       r.HPOCode,
		Confidence:    r.Confidence,
		Method:        types.GroundingMethod(r.Method),
		ContextWindow: r.ContextWindow,
		CreatedAt:     r.CreatedAt,
	}
}

type atomRow struct {
	ID                  string    `db:"id"`
	CriterionID         string    `db:"criterion_id"`
	ProtocolID          string    `db:"protocol_id"`
	InclusionExclusion  string    `db:"inclusion_exclusion"`
	EntityDomain        string    `db:"entity_domain"`
	EntityConceptID     string    `db:"entity_concept_id"`
	EntityConceptSystem string    `db:"entity_concept_system"`
	RelationOperator    string    `db:"relation_operator"`
	ValueNumeric        *float64  `db:"value_numeric"`
	ValueText           string    `db:"value_text"`
	UnitText            string    `db:"unit_text"`
	UnitConceptID       string    `db:"unit_concept_id"`
	Negation            bool      `db:"negation"`
	CreatedAt           time.Time `db:"created_at"`
}

const atomColumns = `id, criterion_id, protocol_id, inclusion_exclusion, entity_domain, entity_concept_id, entity_concept_system, relation_operator, value_numeric, value_text, unit_text, unit_concept_id, negation, created_at`

func (r *atomRow) toDomain() *types.AtomicCriterion {
	return &types.AtomicCriterion{
		ID:                  r.ID,
		CriterionID:         r.CriterionID,
		ProtocolID:          r.ProtocolID,
		InclusionExclusion:  types.CriteriaType(r.InclusionExclusion),
		EntityDomain:        r.EntityDomain,
		EntityConceptID:     r.EntityConceptID,
		EntityConceptSystem: r.EntityConceptSystem,
		RelationOperator:    types.RelationOperator(r.RelationOperator),
		ValueNumeric:        r.ValueNumeric,
		ValueText:           r.ValueText,
		UnitText:            r.UnitText,
		UnitConceptID:       r.UnitConceptID,
		Negation:            r.Negation,
		CreatedAt:           r.CreatedAt,
	}
}

type compositeRow struct {
	ID            string    `db:"id"`
	CriterionID   string    `db:"criterion_id"`
	ProtocolID    string    `db:"protocol_id"`
	LogicOperator string    `db:"logic_operator"`
	CreatedAt     time.Time `db:"created_at"`
}

const compositeColumns = `id, criterion_id, protocol_id, logic_operator, created_at`

func (r *compositeRow) toDomain() *types.CompositeCriterion {
	return &types.CompositeCriterion{
		ID:            r.ID,
		CriterionID:   r.CriterionID,
		ProtocolID:    r.ProtocolID,
		LogicOperator: types.LogicOperator(r.LogicOperator),
		CreatedAt:     r.CreatedAt,
	}
}

type relationshipRow struct {
	ID            string `db:"id"`
	CriterionID   string `db:"criterion_id"`
	ParentID      string `db:"parent_id"`
	ChildID       string `db:"child_id"`
	ChildKind     string `db:"child_kind"`
	ChildSequence int    `db:"child_sequence"`
}

const relationshipColumns = `id, criterion_id, parent_id, child_id, child_kind, child_sequence`

func (r *relationshipRow) toDomain() *types.CriterionRelationship {
	return &types.CriterionRelationship{
		ID:            r.ID,
		CriterionID:   r.CriterionID,
		ParentID:      r.ParentID,
		ChildID:       r.ChildID,
		ChildKind:     types.NodeKind(r.ChildKind),
		ChildSequence: r.ChildSequence,
	}
}

type eventRow struct {
	ID             string     `db:"id"`
	EventType      string     `db:"event_type"`
	AggregateType  string     `db:"aggregate_type"`
	AggregateID    string     `db:"aggregate_id"`
	Payload        []byte     `db:"payload"`
	IdempotencyKey string     `db:"idempotency_key"`
	Status         string     `db:"status"`
	RetryCount     int        `db:"retry_count"`
	NextAttemptAt  time.Time  `db:"next_attempt_at"`
	ClaimedBy      string     `db:"claimed_by"`
	ClaimedAt      *time.Time `db:"claimed_at"`
	LastError      string     `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	PublishedAt    *time.Time `db:"published_at"`
}

const eventColumns = `id, event_type, aggregate_type, aggregate_id, payload, idempotency_key, status, retry_count, next_attempt_at, claimed_by, claimed_at, last_error, created_at, updated_at, published_at`

func (r *eventRow) toDomain() *types.OutboxEvent {
	return &types.OutboxEvent{
		ID:             r.ID,
		EventType:      r.EventType,
		AggregateType:  r.AggregateType,
		AggregateID:    r.AggregateID,
		Payload:        json.RawMessage(r.Payload),
		IdempotencyKey: r.IdempotencyKey,
		Status:         types.OutboxStatus(r.Status),
		RetryCount:     r.RetryCount,
		NextAttemptAt:  r.NextAttemptAt,
		ClaimedBy:      r.ClaimedBy,
		ClaimedAt:      r.ClaimedAt,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		PublishedAt:    r.PublishedAt,
	}
}

type checkpointRow struct {
	ID         string    `db:"id"`
	ProtocolID string    `db:"protocol_id"`
	ThreadID   string    `db:"thread_id"`
	NodeName   string    `db:"node_name"`
	State      []byte    `db:"state"`
	CreatedAt  time.Time `db:"created_at"`
}

const checkpointColumns = `id, protocol_id, thread_id, node_name, state, created_at`

func (r *checkpointRow) toDomain() *types.Checkpoint {
	return &types.Checkpoint{
		ID:         r.ID,
		ProtocolID: r.ProtocolID,
		ThreadID:   r.ThreadID,
		NodeName:   r.NodeName,
		State:      json.RawMessage(r.State),
		CreatedAt:  r.CreatedAt,
	}
}

type auditRow struct {
	ID            string    `db:"id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	Actor         string    `db:"actor"`
	Action        string    `db:"action"`
	Before        []byte    `db:"before"`
	After         []byte    `db:"after"`
	CreatedAt     time.Time `db:"created_at"`
}

const auditColumns = `id, aggregate_type, aggregate_id, actor, action, before, after, created_at`

func (r *auditRow) toDomain() *types.AuditEntry {
	e := &types.AuditEntry{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Actor:         r.Actor,
		Action:        r.Action,
		CreatedAt:     r.CreatedAt,
	}
	if len(r.Before) > 0 {
		e.Before = json.RawMessage(r.Before)
	}
	if len(r.After) > 0 {
		e.After = json.RawMessage(r.After)
	}
	return e
}
