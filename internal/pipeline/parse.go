package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/audit"
	"github.com/cohortforge/sieve/internal/review"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// parse persists the extraction result as a criteria batch and derives the
// entity work list for grounding. Creating the batch archives any prior
// non-archived batch; when that prior batch carried reviewer verdicts they
// are snapshotted into state first so persist can inherit them by canonical
// text.
func (r *Runner) parse(ctx context.Context, s State) (State, error) {
	result, err := s.extraction()
	if err != nil {
		return s, err
	}

	criteria := result.Criteria
	if r.opts.MaxCriteria > 0 && len(criteria) > r.opts.MaxCriteria {
		r.log.Warn("truncating criteria",
			zap.String("protocol_id", s.ProtocolID),
			zap.Int("extracted", len(criteria)),
			zap.Int("kept", r.opts.MaxCriteria))
		criteria = criteria[:r.opts.MaxCriteria]
	}

	if inherited, err := r.reviewedCriteria(ctx, s.ProtocolID); err != nil {
		return s, err
	} else if len(inherited) > 0 {
		s.ArchivedReviewedCriteria = inherited
		r.log.Info("carrying reviewer verdicts from replaced batch",
			zap.String("protocol_id", s.ProtocolID),
			zap.Int("reviewed", len(inherited)))
	}

	now := time.Now().UTC()
	batch := &types.CriteriaBatch{
		ID:              uuid.NewString(),
		ProtocolID:      s.ProtocolID,
		Status:          types.BatchPendingReview,
		ExtractionModel: r.extract.Name(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	rows := make([]*types.Criteria, len(criteria))
	var entities []types.EntityLite
	for i, src := range criteria {
		row := &types.Criteria{
			ID:              uuid.NewString(),
			BatchID:         batch.ID,
			CriteriaType:    src.CriteriaType,
			Category:        src.Category,
			Text:            src.Text,
			Position:        i,
			Confidence:      src.Confidence,
			AssertionStatus: src.AssertionStatus,
			SourceSection:   src.SourceSection,
			PageNumber:      src.PageNumber,
			ReviewStatus:    types.ReviewPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		rows[i] = row
		entities = append(entities, enumerateEntities(row.ID, src)...)
	}

	err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.CreateCriteria(ctx, rows); err != nil {
			return err
		}
		if err := audit.Append(ctx, tx, audit.Entry{
			AggregateType: audit.AggregateBatch,
			AggregateID:   batch.ID,
			Actor:         r.opts.Actor,
			Action:        audit.ActionBatchCreated,
			After:         map[string]any{"protocol_id": s.ProtocolID, "criteria": len(rows)},
		}); err != nil {
			return err
		}
		if len(entities) == 0 {
			// The batch stays inspectable but the run cannot proceed, so
			// the protocol never leaves extracting here.
			return nil
		}
		p, err := tx.GetProtocol(ctx, s.ProtocolID)
		if err != nil {
			return err
		}
		if p.Status != types.StatusGrounding {
			return tx.UpdateProtocolStatus(ctx, s.ProtocolID, types.StatusGrounding, "", r.opts.Actor)
		}
		return nil
	})
	if err != nil {
		return s, storeErr("persist batch", err)
	}

	s.BatchID = batch.ID
	if len(entities) == 0 {
		return s, fatalf(ReasonNoEntities, "no criteria produced any entities")
	}
	if err := s.setEntities(entities); err != nil {
		return s, err
	}
	s.Status = string(types.StatusGrounding)
	r.log.Info("batch persisted",
		zap.String("protocol_id", s.ProtocolID),
		zap.String("batch_id", batch.ID),
		zap.Int("criteria", len(rows)),
		zap.Int("entities", len(entities)))
	return s, nil
}

// reviewedCriteria builds the inheritance map from the batch about to be
// archived. A protocol without an active batch is a first extraction.
func (r *Runner) reviewedCriteria(ctx context.Context, protocolID string) (map[string]types.ReviewStatus, error) {
	prev, err := r.store.GetActiveBatch(ctx, protocolID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load active batch", err)
	}
	criteria, err := r.store.ListCriteria(ctx, prev.ID)
	if err != nil {
		return nil, storeErr("list prior criteria", err)
	}
	return review.InheritanceMap(criteria), nil
}

// enumerateEntities derives the grounding work list for one criterion.
// Entities the extraction model emitted win; otherwise the lexicon pass over
// the criterion text fills in. Demographics never ground.
func enumerateEntities(criterionID string, src types.ExtractedCriterion) []types.EntityLite {
	mentions := src.Entities
	if len(mentions) == 0 {
		mentions = lexiconScan(src.Text)
	}
	out := make([]types.EntityLite, 0, len(mentions))
	for _, m := range mentions {
		out = append(out, types.EntityLite{
			CriterionID:   criterionID,
			Text:          m.Text,
			CriteriaType:  src.CriteriaType,
			Category:      src.Category,
			EntityType:    m.EntityType,
			ContextWindow: contextWindow(src.Text),
			SkipGrounding: m.EntityType == types.EntityDemographic,
		})
	}
	return out
}

const maxContextWindow = 240

func contextWindow(text string) string {
	if len(text) <= maxContextWindow {
		return text
	}
	return text[:maxContextWindow]
}
