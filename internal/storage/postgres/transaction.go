package postgres

import (
	"context"
	"fmt"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// Verify pgTx implements storage.Transaction at compile time
var _ storage.Transaction = (*pgTx)(nil)

// pgTx implements storage.Transaction over an open sqlx transaction.
type pgTx struct {
	q *queries
}

// RunInTransaction executes fn within a database transaction.
//
// Lifecycle:
//  1. BEGIN on a pooled connection
//  2. Execute fn with the Transaction interface
//  3. On success: COMMIT
//  4. On error or panic: ROLLBACK
//
// Panic safety: if the callback panics, the transaction is rolled back and
// the panic is re-raised to the caller.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&pgTx{q: &queries{ext: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (t *pgTx) CreateProtocol(ctx context.Context, p *types.Protocol) error {
	return t.q.createProtocol(ctx, p)
}

func (t *pgTx) GetProtocol(ctx context.Context, id string) (*types.Protocol, error) {
	return t.q.getProtocol(ctx, id)
}

func (t *pgTx) UpdateProtocol(ctx context.Context, id string, updates map[string]any) error {
	return t.q.updateProtocol(ctx, id, updates)
}

func (t *pgTx) UpdateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error {
	return t.q.updateProtocolStatus(ctx, id, next, errorReason, actor)
}

func (t *pgTx) CreateBatch(ctx context.Context, b *types.CriteriaBatch) error {
	return t.q.createBatch(ctx, b)
}

func (t *pgTx) GetActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error) {
	return t.q.getActiveBatch(ctx, protocolID)
}

func (t *pgTx) UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error {
	return t.q.updateBatchStatus(ctx, id, status)
}

func (t *pgTx) CreateCriteria(ctx context.Context, criteria []*types.Criteria) error {
	return t.q.createCriteria(ctx, criteria)
}

func (t *pgTx) UpdateCriterion(ctx context.Context, id string, updates map[string]any) error {
	return t.q.updateCriterion(ctx, id, updates)
}

func (t *pgTx) CreateEntities(ctx context.Context, entities []*types.Entity) error {
	return t.q.createEntities(ctx, entities)
}

func (t *pgTx) UpdateEntity(ctx context.Context, id string, updates map[string]any) error {
	return t.q.updateEntity(ctx, id, updates)
}

func (t *pgTx) SaveCriterionTree(ctx context.Context, tree *types.CriterionTree) error {
	return t.q.saveCriterionTree(ctx, tree)
}

func (t *pgTx) DeleteCriterionTree(ctx context.Context, criterionID string) error {
	return t.q.deleteCriterionTree(ctx, criterionID)
}

func (t *pgTx) EnqueueEvent(ctx context.Context, ev *types.OutboxEvent) error {
	return t.q.enqueueEvent(ctx, ev)
}

func (t *pgTx) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	return t.q.appendAudit(ctx, entry)
}
