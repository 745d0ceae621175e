package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// CreateBatch inserts a new extraction batch and archives every prior
// non-archived batch of the same protocol, so at most one active batch
// exists per protocol.
func (s *Store) CreateBatch(ctx context.Context, b *types.CriteriaBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createBatchLocked(b)
}

func (s *Store) createBatchLocked(b *types.CriteriaBatch) error {
	if b.ID == "" {
		return fmt.Errorf("create batch: empty id")
	}
	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("create batch %s: already exists", b.ID)
	}
	for _, prev := range s.batches {
		if prev.ProtocolID == b.ProtocolID && !prev.IsArchived {
			prev.IsArchived = true
			prev.UpdatedAt = time.Now().UTC()
		}
	}
	s.batches[b.ID] = cloneBatch(b)
	return nil
}

// GetBatch returns one batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.CriteriaBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	return cloneBatch(b), nil
}

// GetActiveBatch returns the single non-archived batch of a protocol.
func (s *Store) GetActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getActiveBatchLocked(protocolID)
}

func (s *Store) getActiveBatchLocked(protocolID string) (*types.CriteriaBatch, error) {
	for _, b := range s.batches {
		if b.ProtocolID == protocolID && !b.IsArchived {
			return cloneBatch(b), nil
		}
	}
	return nil, fmt.Errorf("active batch for protocol %s: %w", protocolID, storage.ErrNotFound)
}

// UpdateBatchStatus sets the review status of a batch.
func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateBatchStatusLocked(id, status)
}

func (s *Store) updateBatchStatusLocked(id string, status types.BatchStatus) error {
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateCriteria bulk-inserts criteria rows.
func (s *Store) CreateCriteria(ctx context.Context, criteria []*types.Criteria) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCriteriaLocked(criteria)
}

func (s *Store) createCriteriaLocked(criteria []*types.Criteria) error {
	for _, cr := range criteria {
		if cr.ID == "" {
			return fmt.Errorf("create criteria: empty id")
		}
		if _, ok := s.criteria[cr.ID]; ok {
			return fmt.Errorf("create criteria %s: already exists", cr.ID)
		}
	}
	for _, cr := range criteria {
		s.criteria[cr.ID] = cloneCriteria(cr)
	}
	return nil
}

// GetCriterion returns one criterion by id.
func (s *Store) GetCriterion(ctx context.Context, id string) (*types.Criteria, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cr, ok := s.criteria[id]
	if !ok {
		return nil, fmt.Errorf("criterion %s: %w", id, storage.ErrNotFound)
	}
	return cloneCriteria(cr), nil
}

// ListCriteria returns a batch's criteria in document order.
func (s *Store) ListCriteria(ctx context.Context, batchID string) ([]*types.Criteria, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Criteria
	for _, cr := range s.criteria {
		if cr.BatchID == batchID {
			out = append(out, cloneCriteria(cr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// UpdateCriterion applies field updates to a criterion.
func (s *Store) UpdateCriterion(ctx context.Context, id string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCriterionLocked(id, updates)
}

func (s *Store) updateCriterionLocked(id string, updates map[string]any) error {
	cr, ok := s.criteria[id]
	if !ok {
		return fmt.Errorf("criterion %s: %w", id, storage.ErrNotFound)
	}
	for key, val := range updates {
		switch key {
		case "text":
			v, ok := val.(string)
			if !ok {
				return fmt.Errorf("update criterion %s: text must be string", id)
			}
			cr.Text = v
		case "conditions":
			switch v := val.(type) {
			case *types.Conditions:
				cr.Conditions = v
			case nil:
				cr.Conditions = nil
			default:
				return fmt.Errorf("update criterion %s: conditions must be *types.Conditions", id)
			}
		case "structured_criterion":
			switch v := val.(type) {
			case json.RawMessage:
				cr.StructuredCriterion = cloneRaw(v)
			case []byte:
				cr.StructuredCriterion = cloneRaw(v)
			case nil:
				cr.StructuredCriterion = nil
			default:
				return fmt.Errorf("update criterion %s: structured_criterion must be json", id)
			}
		case "review_status":
			v, ok := val.(types.ReviewStatus)
			if !ok {
				return fmt.Errorf("update criterion %s: review_status must be types.ReviewStatus", id)
			}
			cr.ReviewStatus = v
		case "confidence":
			v, ok := val.(float64)
			if !ok {
				return fmt.Errorf("update criterion %s: confidence must be float64", id)
			}
			cr.Confidence = v
		default:
			return fmt.Errorf("update criterion %s: unknown field %q", id, key)
		}
	}
	cr.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateEntities bulk-inserts entity rows.
func (s *Store) CreateEntities(ctx context.Context, entities []*types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createEntitiesLocked(entities)
}

func (s *Store) createEntitiesLocked(entities []*types.Entity) error {
	for _, e := range entities {
		if e.ID == "" {
			return fmt.Errorf("create entity: empty id")
		}
		if _, ok := s.entities[e.ID]; ok {
			return fmt.Errorf("create entity %s: already exists", e.ID)
		}
	}
	for _, e := range entities {
		s.entities[e.ID] = cloneEntity(e)
	}
	return nil
}

// ListEntities returns a criterion's entities in creation order.
func (s *Store) ListEntities(ctx context.Context, criteriaID string) ([]*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Entity
	for _, e := range s.entities {
		if e.CriteriaID == criteriaID {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateEntity applies field updates to an entity. Grounding writes code
// bindings through here.
func (s *Store) UpdateEntity(ctx context.Context, id string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateEntityLocked(id, updates)
}

func (s *Store) updateEntityLocked(id string, updates map[string]any) error {
	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("entity %s: %w", id, storage.ErrNotFound)
	}
	for key, val := range updates {
		switch key {
		case "umls_cui", "snomed_code", "rxnorm_code", "loinc_code", "icd10_code", "hpo_code":
			v, ok := val.(string)
			if !ok {
				return fmt.Errorf("update entity %s: %s must be string", id, key)
			}
			switch key {
			case "umls_cui":
				e.UMLSCUI = v
			case "snomed_code":
				e.SnomedCode = v
			case "rxnorm_code":
				e.RxNormCode = v
			case "loinc_code":
				e.LoincCode = v
			case "icd10_code":
				e.ICD10Code = v
			case "hpo_code":
				e.HPOCode = v
			}
		case "grounding_confidence":
			v, ok := val.(float64)
			if !ok {
				return fmt.Errorf("update entity %s: grounding_confidence must be float64", id)
			}
			e.Confidence = v
		case "grounding_method":
			v, ok := val.(types.GroundingMethod)
			if !ok {
				return fmt.Errorf("update entity %s: grounding_method must be types.GroundingMethod", id)
			}
			e.Method = v
		default:
			return fmt.Errorf("update entity %s: unknown field %q", id, key)
		}
	}
	return nil
}
