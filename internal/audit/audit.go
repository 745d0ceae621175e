// Package audit builds the append-only record of who changed what. Every
// reviewer verdict, batch creation, and protocol status change lands in the
// audit table as an immutable entry with JSON before/after snapshots; the
// review trail is reconstructed by listing an aggregate's entries in order.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cohortforge/sieve/internal/types"
)

// Aggregate types entries attach to.
const (
	AggregateProtocol = "protocol"
	AggregateBatch    = "batch"
	AggregateCriteria = "criteria"
)

// Actions recorded by the pipeline, the review surface, and the trigger
// endpoints. The status_change action is written by the storage layer itself
// whenever a protocol moves through the state machine.
const (
	ActionStatusChange    = "status_change"
	ActionProtocolCreated = "protocol_created"
	ActionRetryRequested  = "retry_requested"
	ActionBatchCreated    = "batch_created"
	ActionBatchApproved   = "batch_approved"
	ActionReviewDecision  = "review_decision"
	ActionReviewInherited = "review_inherited"
	ActionOrdinalProposed = "ordinal_proposed"
)

// Appender is the single storage capability this package needs. Both
// storage.Storage and storage.Transaction satisfy it, so an entry can join
// the transaction of the write it describes.
type Appender interface {
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
}

// Lister is the query half, satisfied by storage.Storage.
type Lister interface {
	ListAudit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error)
}

// Entry is one audit record before encoding. Before and After take any
// JSON-marshalable value; nil omits that side, which is the norm for
// creations (no before) and proposals (no prior state).
type Entry struct {
	AggregateType string
	AggregateID   string
	Actor         string
	Action        string
	Before        any
	After         any
}

// Append encodes and writes one entry. The storage layer assigns the ID;
// entries are immutable once written.
func Append(ctx context.Context, a Appender, e Entry) error {
	rec := &types.AuditEntry{
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Actor:         e.Actor,
		Action:        e.Action,
		CreatedAt:     time.Now().UTC(),
	}
	var err error
	if rec.Before, err = encodeSide("before", e.Before); err != nil {
		return err
	}
	if rec.After, err = encodeSide("after", e.After); err != nil {
		return err
	}
	return a.AppendAudit(ctx, rec)
}

func encodeSide(side string, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: encode %s: %w", side, err)
	}
	return b, nil
}

// History returns one aggregate's trail, oldest first. Limit keeps the most
// recent entries; zero means all.
func History(ctx context.Context, l Lister, aggregateType, aggregateID string, limit int) ([]*types.AuditEntry, error) {
	return l.ListAudit(ctx, types.AuditFilter{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Limit:         limit,
	})
}
