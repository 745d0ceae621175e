// Package storage provides shared types for eligibility-pipeline storage.
//
// The concrete implementations live in the postgres and memory sub-packages.
// This package holds the interface and sentinel errors referenced by both the
// implementations and their consumers (the outbox dispatcher, the pipeline
// nodes, the HTTP server, cmd/sieve).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cohortforge/sieve/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent is returned when enqueueing an outbox event whose
// idempotency key already exists. Callers that enqueue on upload-confirm
// treat it as success.
var ErrDuplicateEvent = errors.New("duplicate idempotency key")

// ErrInvalidTransition is returned when a protocol status update does not
// follow the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotInitialized is returned when the schema has not been migrated yet.
var ErrNotInitialized = errors.New("database not initialized")

// Storage is the interface satisfied by *postgres.Store and *memory.Store.
// Consumers depend on this interface rather than on the concrete type so that
// the in-memory implementation can stand in during tests.
type Storage interface {
	// Protocols
	CreateProtocol(ctx context.Context, p *types.Protocol) error
	GetProtocol(ctx context.Context, id string) (*types.Protocol, error)
	ListProtocols(ctx context.Context, filter types.ProtocolFilter) ([]*types.Protocol, error)
	UpdateProtocol(ctx context.Context, id string, updates map[string]any) error
	UpdateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error

	// Criteria batches
	CreateBatch(ctx context.Context, b *types.CriteriaBatch) error
	GetBatch(ctx context.Context, id string) (*types.CriteriaBatch, error)
	GetActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error)
	UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error

	// Criteria
	CreateCriteria(ctx context.Context, criteria []*types.Criteria) error
	GetCriterion(ctx context.Context, id string) (*types.Criteria, error)
	ListCriteria(ctx context.Context, batchID string) ([]*types.Criteria, error)
	UpdateCriterion(ctx context.Context, id string, updates map[string]any) error

	// Entities
	CreateEntities(ctx context.Context, entities []*types.Entity) error
	ListEntities(ctx context.Context, criteriaID string) ([]*types.Entity, error)
	UpdateEntity(ctx context.Context, id string, updates map[string]any) error

	// Expression trees
	SaveCriterionTree(ctx context.Context, tree *types.CriterionTree) error
	GetCriterionTree(ctx context.Context, criterionID string) (*types.CriterionTree, error)
	ListCriterionTrees(ctx context.Context, protocolID string) ([]*types.CriterionTree, error)
	DeleteCriterionTree(ctx context.Context, criterionID string) error

	// Outbox
	EnqueueEvent(ctx context.Context, ev *types.OutboxEvent) error
	ClaimDueEvents(ctx context.Context, workerID string, limit int) ([]*types.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id string) error
	MarkEventRetry(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error
	MarkEventFailed(ctx context.Context, id string, errMsg string) error
	MarkEventDead(ctx context.Context, id string, errMsg string) error
	RecoverStuckEvents(ctx context.Context, olderThan time.Duration) (int, error)
	ArchiveDeadLetters(ctx context.Context, ttl time.Duration) (int, error)
	CountEventsByStatus(ctx context.Context) (map[types.OutboxStatus]int, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	LatestCheckpoint(ctx context.Context, protocolID, threadID string) (*types.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, protocolID, threadID string) error

	// Audit log
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
	ListAudit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Transaction provides atomic multi-operation support within a single
// database transaction.
//
// The Transaction interface exposes the subset of storage methods that must
// compose atomically. The canonical use is persist_with_outbox: commit a
// domain write and its outbox event in one transaction so no event exists
// without its state change and no state change goes unannounced.
//
// # Transaction Semantics
//
//   - All operations within the transaction share one database connection
//   - Changes are invisible to other connections until commit
//   - If any operation returns an error, the transaction is rolled back
//   - If the callback panics, the transaction is rolled back
//   - On successful return from the callback, the transaction is committed
//
// # Example Usage
//
//	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
//	    if err := tx.CreateProtocol(ctx, proto); err != nil {
//	        return err // rollback
//	    }
//	    if err := tx.EnqueueEvent(ctx, ev); err != nil {
//	        return err // rollback
//	    }
//	    return nil // commit
//	})
type Transaction interface {
	// Protocol operations
	CreateProtocol(ctx context.Context, p *types.Protocol) error
	GetProtocol(ctx context.Context, id string) (*types.Protocol, error) // read-your-writes
	UpdateProtocol(ctx context.Context, id string, updates map[string]any) error
	UpdateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error

	// Batch and criteria operations
	CreateBatch(ctx context.Context, b *types.CriteriaBatch) error
	GetActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error)
	UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error
	CreateCriteria(ctx context.Context, criteria []*types.Criteria) error
	UpdateCriterion(ctx context.Context, id string, updates map[string]any) error
	CreateEntities(ctx context.Context, entities []*types.Entity) error
	UpdateEntity(ctx context.Context, id string, updates map[string]any) error

	// Expression tree operations
	SaveCriterionTree(ctx context.Context, tree *types.CriterionTree) error
	DeleteCriterionTree(ctx context.Context, criterionID string) error

	// Outbox operations (for persist_with_outbox workflows)
	EnqueueEvent(ctx context.Context, ev *types.OutboxEvent) error

	// Audit operations
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
}
