package memory

import (
	"context"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// Verify memTx implements storage.Transaction at compile time
var _ storage.Transaction = (*memTx)(nil)

// memTx implements storage.Transaction over the store's internal maps.
// The store mutex is held for the whole callback, which gives the same
// isolation a database transaction would.
type memTx struct {
	s *Store
}

// RunInTransaction executes fn atomically. The store is snapshotted before
// the callback runs; an error or panic restores the snapshot so partial
// writes never become visible.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	committed := false
	defer func() {
		if !committed {
			s.restore(snap)
		}
	}()

	if err := fn(&memTx{s: s}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (t *memTx) CreateProtocol(ctx context.Context, p *types.Protocol) error {
	return t.s.createProtocolLocked(p)
}

func (t *memTx) GetProtocol(ctx context.Context, id string) (*types.Protocol, error) {
	return t.s.getProtocolLocked(id)
}

func (t *memTx) UpdateProtocol(ctx context.Context, id string, updates map[string]any) error {
	return t.s.updateProtocolLocked(id, updates)
}

func (t *memTx) UpdateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error {
	return t.s.updateProtocolStatusLocked(id, next, errorReason, actor)
}

func (t *memTx) CreateBatch(ctx context.Context, b *types.CriteriaBatch) error {
	return t.s.createBatchLocked(b)
}

func (t *memTx) GetActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error) {
	return t.s.getActiveBatchLocked(protocolID)
}

func (t *memTx) UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error {
	return t.s.updateBatchStatusLocked(id, status)
}

func (t *memTx) CreateCriteria(ctx context.Context, criteria []*types.Criteria) error {
	return t.s.createCriteriaLocked(criteria)
}

func (t *memTx) UpdateCriterion(ctx context.Context, id string, updates map[string]any) error {
	return t.s.updateCriterionLocked(id, updates)
}

func (t *memTx) CreateEntities(ctx context.Context, entities []*types.Entity) error {
	return t.s.createEntitiesLocked(entities)
}

func (t *memTx) UpdateEntity(ctx context.Context, id string, updates map[string]any) error {
	return t.s.updateEntityLocked(id, updates)
}

func (t *memTx) SaveCriterionTree(ctx context.Context, tree *types.CriterionTree) error {
	return t.s.saveCriterionTreeLocked(tree)
}

func (t *memTx) DeleteCriterionTree(ctx context.Context, criterionID string) error {
	t.s.deleteCriterionTreeLocked(criterionID)
	return nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, ev *types.OutboxEvent) error {
	return t.s.enqueueEventLocked(ev)
}

func (t *memTx) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	return t.s.appendAuditLocked(entry)
}
