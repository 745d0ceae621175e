package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/audit"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// ErrPendingCriteria is returned when a batch approval runs while criteria
// still await a verdict.
var ErrPendingCriteria = errors.New("batch has pending criteria")

// ErrBatchArchived is returned when a verdict targets a batch a later
// extraction has already replaced.
var ErrBatchArchived = errors.New("batch archived by a newer extraction")

// Service applies reviewer verdicts. Every decision updates the criterion and
// appends an audit entry in the same transaction, so the trail never drifts
// from the data it describes.
type Service struct {
	store storage.Storage
	log   *zap.Logger
}

// NewService builds a review service over the given store.
func NewService(store storage.Storage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, log: logger.Named("review")}
}

// Decision carries the human side of one verdict. Text is the replacement
// criterion text and is required only for the modified verdict; Note is free
// text kept in the audit entry.
type Decision struct {
	Actor string
	Note  string
	Text  string
}

// Decide applies one reviewer verdict to a criterion. Approved and rejected
// leave the text untouched; modified replaces it, which also changes the
// canonical form used for inheritance on the next extraction.
func (s *Service) Decide(ctx context.Context, criterionID string, verdict types.ReviewStatus, d Decision) (*types.Criteria, error) {
	switch verdict {
	case types.ReviewApproved, types.ReviewRejected:
	case types.ReviewModified:
		if strings.TrimSpace(d.Text) == "" {
			return nil, fmt.Errorf("review criterion %s: modified verdict requires replacement text", criterionID)
		}
	default:
		return nil, fmt.Errorf("review criterion %s: verdict %q not one of approved, rejected, modified", criterionID, verdict)
	}
	if d.Actor == "" {
		return nil, fmt.Errorf("review criterion %s: actor required", criterionID)
	}

	cr, err := s.store.GetCriterion(ctx, criterionID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"review_status": verdict}
	after := map[string]any{"review_status": verdict, "text": cr.Text}
	if verdict == types.ReviewModified {
		updates["text"] = d.Text
		after["text"] = d.Text
	}
	if d.Note != "" {
		after["note"] = d.Note
	}

	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpdateCriterion(ctx, criterionID, updates); err != nil {
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			AggregateType: audit.AggregateCriteria,
			AggregateID:   criterionID,
			Actor:         d.Actor,
			Action:        audit.ActionReviewDecision,
			Before:        map[string]any{"review_status": reviewStatusOf(cr), "text": cr.Text},
			After:         after,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("verdict recorded",
		zap.String("criterion_id", criterionID),
		zap.String("verdict", string(verdict)),
		zap.String("actor", d.Actor))
	return s.store.GetCriterion(ctx, criterionID)
}

// ApproveBatch settles a fully reviewed batch. Every criterion must carry a
// verdict; the protocol completes alongside when review was the only thing it
// was waiting on. Approving an already approved batch is a no-op.
func (s *Service) ApproveBatch(ctx context.Context, batchID, actor string) (*types.CriteriaBatch, error) {
	if actor == "" {
		return nil, fmt.Errorf("approve batch %s: actor required", batchID)
	}
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.IsArchived {
		return nil, fmt.Errorf("approve batch %s: %w", batchID, ErrBatchArchived)
	}
	if batch.Status == types.BatchApproved {
		return batch, nil
	}

	criteria, err := s.store.ListCriteria(ctx, batchID)
	if err != nil {
		return nil, err
	}
	pending := 0
	for _, cr := range criteria {
		if reviewStatusOf(cr) == types.ReviewPending {
			pending++
		}
	}
	if pending > 0 {
		return nil, fmt.Errorf("approve batch %s: %w: %d of %d awaiting a verdict",
			batchID, ErrPendingCriteria, pending, len(criteria))
	}

	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpdateBatchStatus(ctx, batchID, types.BatchApproved); err != nil {
			return err
		}
		p, err := tx.GetProtocol(ctx, batch.ProtocolID)
		if err != nil {
			return err
		}
		if p.Status == types.StatusPendingReview {
			if err := tx.UpdateProtocolStatus(ctx, batch.ProtocolID, types.StatusComplete, "", actor); err != nil {
				return err
			}
		}
		return audit.Append(ctx, tx, audit.Entry{
			AggregateType: audit.AggregateBatch,
			AggregateID:   batchID,
			Actor:         actor,
			Action:        audit.ActionBatchApproved,
			Before:        map[string]any{"status": batch.Status},
			After:         map[string]any{"status": types.BatchApproved, "criteria": len(criteria)},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("batch approved",
		zap.String("batch_id", batchID),
		zap.String("protocol_id", batch.ProtocolID),
		zap.Int("criteria", len(criteria)),
		zap.String("actor", actor))
	return s.store.GetBatch(ctx, batchID)
}

// reviewStatusOf treats a missing status as pending; early rows predate the
// column default.
func reviewStatusOf(cr *types.Criteria) types.ReviewStatus {
	if cr.ReviewStatus == "" {
		return types.ReviewPending
	}
	return cr.ReviewStatus
}
