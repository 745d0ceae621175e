package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// CreateBatch inserts a new extraction batch and archives every prior
// non-archived batch of the same protocol, atomically.
func (s *Store) CreateBatch(ctx context.Context, b *types.CriteriaBatch) error {
	return s.withTx(ctx, func(q *queries) error {
		return q.createBatch(ctx, b)
	})
}

func (q *queries) createBatch(ctx context.Context, b *types.CriteriaBatch) error {
	if _, err := q.ext.ExecContext(ctx,
		`UPDATE criteria_batches SET is_archived = TRUE, updated_at = now()
		 WHERE protocol_id = $1 AND NOT is_archived`, b.ProtocolID); err != nil {
		return fmt.Errorf("archive prior batches for protocol %s: %w", b.ProtocolID, err)
	}
	if _, err := q.ext.ExecContext(ctx,
		`INSERT INTO criteria_batches (id, protocol_id, status, extraction_model, is_archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, FALSE, now(), now())`,
		b.ID, b.ProtocolID, b.Status, b.ExtractionModel); err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}
	return nil
}

// GetBatch returns one batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.CriteriaBatch, error) {
	var row batchRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+batchColumns+` FROM criteria_batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// GetActiveBatch returns the single non-archived batch of a protocol.
func (s *Store) GetActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error) {
	return (&queries{ext: s.db}).getActiveBatch(ctx, protocolID)
}

func (q *queries) getActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error) {
	var row batchRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+batchColumns+` FROM criteria_batches WHERE protocol_id = $1 AND NOT is_archived`, protocolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active batch for protocol %s: %w", protocolID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active batch for protocol %s: %w", protocolID, err)
	}
	return row.toDomain(), nil
}

// UpdateBatchStatus sets the review status of a batch.
func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error {
	return (&queries{ext: s.db}).updateBatchStatus(ctx, id, status)
}

func (q *queries) updateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE criteria_batches SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update batch %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CreateCriteria bulk-inserts criteria rows atomically.
func (s *Store) CreateCriteria(ctx context.Context, criteria []*types.Criteria) error {
	if len(criteria) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q *queries) error {
		return q.createCriteria(ctx, criteria)
	})
}

func (q *queries) createCriteria(ctx context.Context, criteria []*types.Criteria) error {
	for _, cr := range criteria {
		var cond []byte
		if cr.Conditions != nil {
			var err error
			cond, err = json.Marshal(cr.Conditions)
			if err != nil {
				return fmt.Errorf("encode criterion conditions: %w", err)
			}
		}
		var structured []byte
		if len(cr.StructuredCriterion) > 0 {
			structured = cr.StructuredCriterion
		}
		if _, err := q.ext.ExecContext(ctx,
			`INSERT INTO criteria (id, batch_id, criteria_type, category, text, position, structured_criterion, conditions, confidence, assertion_status, source_section, page_number, review_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())`,
			cr.ID, cr.BatchID, cr.CriteriaType, cr.Category, cr.Text, cr.Position,
			structured, cond, cr.Confidence, cr.AssertionStatus, cr.SourceSection,
			cr.PageNumber, orDefault(string(cr.ReviewStatus), string(types.ReviewPending))); err != nil {
			return fmt.Errorf("create criterion %s: %w", cr.ID, err)
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetCriterion returns one criterion by id.
func (s *Store) GetCriterion(ctx context.Context, id string) (*types.Criteria, error) {
	var row criteriaRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+criteriaColumns+` FROM criteria WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("criterion %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get criterion %s: %w", id, err)
	}
	return row.toDomain()
}

// ListCriteria returns a batch's criteria in document order.
func (s *Store) ListCriteria(ctx context.Context, batchID string) ([]*types.Criteria, error) {
	var rows []criteriaRow
	err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT `+criteriaColumns+` FROM criteria WHERE batch_id = $1 ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list criteria for batch %s: %w", batchID, err)
	}
	out := make([]*types.Criteria, 0, len(rows))
	for i := range rows {
		cr, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}

// criterionUpdateColumns maps update keys to their columns.
var criterionUpdateColumns = map[string]string{
	"text":                 "text",
	"conditions":           "conditions",
	"structured_criterion": "structured_criterion",
	"review_status":        "review_status",
	"confidence":           "confidence",
}

// UpdateCriterion applies field updates to a criterion.
func (s *Store) UpdateCriterion(ctx context.Context, id string, updates map[string]any) error {
	return (&queries{ext: s.db}).updateCriterion(ctx, id, updates)
}

func (q *queries) updateCriterion(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	var (
		sets []string
		args []any
	)
	for key, val := range updates {
		col, ok := criterionUpdateColumns[key]
		if !ok {
			return fmt.Errorf("update criterion %s: unknown field %q", id, key)
		}
		switch key {
		case "conditions":
			switch v := val.(type) {
			case *types.Conditions:
				if v == nil {
					val = nil
					break
				}
				b, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("encode criterion conditions: %w", err)
				}
				val = b
			case nil:
				val = nil
			default:
				return fmt.Errorf("update criterion %s: conditions must be *types.Conditions", id)
			}
		case "structured_criterion":
			switch v := val.(type) {
			case json.RawMessage:
				val = []byte(v)
			case []byte, nil:
				// stored as-is
			default:
				return fmt.Errorf("update criterion %s: structured_criterion must be json, got %T", id, v)
			}
		}
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE criteria SET %s, updated_at = now() WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update criterion %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("criterion %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CreateEntities bulk-inserts entity rows atomically.
func (s *Store) CreateEntities(ctx context.Context, entities []*types.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q *queries) error {
		return q.createEntities(ctx, entities)
	})
}

func (q *queries) createEntities(ctx context.Context, entities []*types.Entity) error {
	for _, e := range entities {
		if _, err := q.ext.ExecContext(ctx,
			`INSERT INTO entities (id, criteria_id, entity_type, text, span_start, span_end, umls_cui, snomed_code, rxnorm_code, loinc_code, icd10_code, hpo_code, grounding_confidence, grounding_method, context_window, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())`,
			e.ID, e.CriteriaID, e.EntityType, e.Text, e.SpanStart, e.SpanEnd,
			e.UMLSCUI, e.SnomedCode, e.RxNormCode, e.LoincCode, e.ICD10Code, e.HPOCode,
			e.Confidence, e.Method, e.ContextWindow); err != nil {
			return fmt.Errorf("create entity %s: %w", e.ID, err)
		}
	}
	return nil
}

// ListEntities returns a criterion's entities in creation order.
func (s *Store) ListEntities(ctx context.Context, criteriaID string) ([]*types.Entity, error) {
	var rows []entityRow
	err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT `+entityColumns+` FROM entities WHERE criteria_id = $1 ORDER BY created_at, id`, criteriaID)
	if err != nil {
		return nil, fmt.Errorf("list entities for criterion %s: %w", criteriaID, err)
	}
	out := make([]*types.Entity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// entityUpdateColumns maps update keys to their columns.
var entityUpdateColumns = map[string]string{
	"umls_cui":             "umls_cui",
	"snomed_code":          "snomed_code",
	"rxnorm_code":          "rxnorm_code",
	"loinc_code":           "loinc_code",
	"icd10_code":           "icd10_code",
	"hpo_code":             "hpo_code",
	"grounding_confidence": "grounding_confidence",
	"grounding_method":     "grounding_method",
}

// UpdateEntity applies field updates to an entity.
func (s *Store) UpdateEntity(ctx context.Context, id string, updates map[string]any) error {
	return (&queries{ext: s.db}).updateEntity(ctx, id, updates)
}

func (q *queries) updateEntity(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	var (
		sets []string
		args []any
	)
	for key, val := range updates {
		col, ok := entityUpdateColumns[key]
		if !ok {
			return fmt.Errorf("update entity %s: unknown field %q", id, key)
		}
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE entities SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
