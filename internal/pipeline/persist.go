package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/audit"
	"github.com/cohortforge/sieve/internal/review"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// persist writes the grounding outcome back to storage: one entity row per
// mention, field mappings on each criterion, inherited reviewer verdicts from
// the replaced batch, and the protocol's settle transition. Writes are
// per-criterion transactions so a retry after a mid-loop failure resumes
// where it stopped; criteria that already have entity rows are not re-created.
func (r *Runner) persist(ctx context.Context, s State) (State, error) {
	grounded, err := s.grounded()
	if err != nil {
		return s, err
	}
	lites, err := s.entities()
	if err != nil {
		return s, err
	}
	rows, err := r.store.ListCriteria(ctx, s.BatchID)
	if err != nil {
		return s, storeErr("list criteria", err)
	}

	// Results keep input order, so context windows zip back by index.
	byCriterion := make(map[string][]types.GroundedEntity)
	windows := make(map[string]string, len(lites))
	attempted, groundedCount := 0, 0
	for i, ge := range grounded {
		byCriterion[ge.CriterionID] = append(byCriterion[ge.CriterionID], ge)
		if i < len(lites) {
			windows[ge.CriterionID+"\x00"+ge.Text] = lites[i].ContextWindow
		}
		if ge.Skipped {
			continue
		}
		attempted++
		if ge.Err == "" {
			groundedCount++
		}
	}

	now := time.Now().UTC()
	inherited := 0
	for _, cr := range rows {
		ents := byCriterion[cr.ID]
		verdict, carry := types.ReviewStatus(""), false
		if len(s.ArchivedReviewedCriteria) > 0 {
			verdict, carry = s.ArchivedReviewedCriteria[review.CanonicalHash(cr.Text)]
		}
		if len(ents) == 0 && !carry {
			continue
		}

		existing, err := r.store.ListEntities(ctx, cr.ID)
		if err != nil {
			return s, storeErr("list entities", err)
		}

		err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if len(ents) > 0 && len(existing) == 0 {
				entityRows := make([]*types.Entity, 0, len(ents))
				mappings := make([]types.FieldMapping, 0, len(ents))
				for _, ge := range ents {
					e := &types.Entity{
						ID:            uuid.NewString(),
						CriteriaID:    cr.ID,
						EntityType:    ge.EntityType,
						Text:          ge.Text,
						Confidence:    ge.Confidence,
						Method:        ge.Method,
						ContextWindow: windows[ge.CriterionID+"\x00"+ge.Text],
						CreatedAt:     now,
					}
					if ge.BestCode != "" {
						e.SetCode(ge.System, ge.BestCode)
					}
					entityRows = append(entityRows, e)
					if ge.Err != "" {
						// Failed entities keep their row for review but
						// contribute no mapping.
						continue
					}
					mappings = append(mappings, types.FieldMapping{
						Entity:     ge.Text,
						EntityType: ge.EntityType,
						Code:       ge.BestCode,
						System:     ge.System,
						Confidence: ge.Confidence,
					})
				}
				if err := tx.CreateEntities(ctx, entityRows); err != nil {
					return err
				}
				if len(mappings) > 0 {
					updates := map[string]any{
						"conditions": &types.Conditions{FieldMappings: mappings},
					}
					if err := tx.UpdateCriterion(ctx, cr.ID, updates); err != nil {
						return err
					}
				}
			}
			if carry {
				if err := tx.UpdateCriterion(ctx, cr.ID, map[string]any{"review_status": verdict}); err != nil {
					return err
				}
				if err := audit.Append(ctx, tx, audit.Entry{
					AggregateType: audit.AggregateCriteria,
					AggregateID:   cr.ID,
					Actor:         r.opts.Actor,
					Action:        audit.ActionReviewInherited,
					After:         map[string]any{"review_status": verdict},
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return s, storeErr("persist grounding", err)
		}
		if carry {
			inherited++
		}
	}

	if err := r.recordErrors(ctx, &s); err != nil {
		return s, err
	}

	if attempted > 0 && groundedCount == 0 {
		s.Error = fmt.Sprintf("0 of %d entities grounded", attempted)
		if err := r.transitionTo(ctx, s.ProtocolID, types.StatusGroundingFailed, s.Error); err != nil {
			return s, err
		}
		s.Status = string(types.StatusGroundingFailed)
		return s, nil
	}

	if err := r.transitionTo(ctx, s.ProtocolID, types.StatusPendingReview, ""); err != nil {
		return s, err
	}
	s.Status = string(types.StatusPendingReview)
	r.log.Info("grounding persisted",
		zap.String("protocol_id", s.ProtocolID),
		zap.String("batch_id", s.BatchID),
		zap.Int("grounded", groundedCount),
		zap.Int("attempted", attempted),
		zap.Int("inherited_verdicts", inherited))
	return s, nil
}

// recordErrors mirrors the run's accumulated non-fatal errors onto the
// protocol metadata so reviewers see them without reading logs. Later nodes
// call it again to refresh the list.
func (r *Runner) recordErrors(ctx context.Context, s *State) error {
	if len(s.Errors) == 0 {
		return nil
	}
	p, err := r.store.GetProtocol(ctx, s.ProtocolID)
	if err != nil {
		return storeErr("load protocol", err)
	}
	meta := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta["errors"] = s.Errors
	if err := r.store.UpdateProtocol(ctx, s.ProtocolID, map[string]any{"metadata": meta}); err != nil {
		return storeErr("record errors", err)
	}
	return nil
}
