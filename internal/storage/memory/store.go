// Package memory implements the storage interface with in-process maps.
//
// It exists for tests and for single-process development runs; it honors the
// same semantics as the postgres implementation, including transactional
// rollback, idempotent outbox enqueue, and status transition checks.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// Verify Store implements storage.Storage at compile time
var _ storage.Storage = (*Store)(nil)

// Store holds everything in maps guarded by one RWMutex. Writes clone their
// inputs and reads clone their outputs so callers never alias internal state.
type Store struct {
	mu sync.RWMutex

	protocols   map[string]*types.Protocol
	batches     map[string]*types.CriteriaBatch
	criteria    map[string]*types.Criteria
	entities    map[string]*types.Entity
	atoms       map[string]*types.AtomicCriterion
	composites  map[string]*types.CompositeCriterion
	rels        map[string]*types.CriterionRelationship
	outbox      map[string]*types.OutboxEvent
	outboxKeys  map[string]string // idempotency_key -> event id
	checkpoints map[string][]*types.Checkpoint
	audit       []*types.AuditEntry

	closed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		protocols:   make(map[string]*types.Protocol),
		batches:     make(map[string]*types.CriteriaBatch),
		criteria:    make(map[string]*types.Criteria),
		entities:    make(map[string]*types.Entity),
		atoms:       make(map[string]*types.AtomicCriterion),
		composites:  make(map[string]*types.CompositeCriterion),
		rels:        make(map[string]*types.CriterionRelationship),
		outbox:      make(map[string]*types.OutboxEvent),
		outboxKeys:  make(map[string]string),
		checkpoints: make(map[string][]*types.Checkpoint),
	}
}

// Ping reports whether the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrNotInitialized
	}
	return nil
}

// Close marks the store unusable. Subsequent Pings fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func checkpointKey(protocolID, threadID string) string {
	return protocolID + "/" + threadID
}

// snapshot deep-copies every table for transactional rollback.
func (s *Store) snapshot() *Store {
	snap := New()
	for k, v := range s.protocols {
		snap.protocols[k] = cloneProtocol(v)
	}
	for k, v := range s.batches {
		snap.batches[k] = cloneBatch(v)
	}
	for k, v := range s.criteria {
		snap.criteria[k] = cloneCriteria(v)
	}
	for k, v := range s.entities {
		snap.entities[k] = cloneEntity(v)
	}
	for k, v := range s.atoms {
		snap.atoms[k] = cloneAtom(v)
	}
	for k, v := range s.composites {
		snap.composites[k] = cloneComposite(v)
	}
	for k, v := range s.rels {
		snap.rels[k] = cloneRel(v)
	}
	for k, v := range s.outbox {
		snap.outbox[k] = cloneEvent(v)
	}
	for k, v := range s.outboxKeys {
		snap.outboxKeys[k] = v
	}
	for k, v := range s.checkpoints {
		cps := make([]*types.Checkpoint, len(v))
		for i, cp := range v {
			cps[i] = cloneCheckpoint(cp)
		}
		snap.checkpoints[k] = cps
	}
	snap.audit = make([]*types.AuditEntry, len(s.audit))
	copy(snap.audit, s.audit)
	return snap
}

// restore replaces every table with the snapshot's.
func (s *Store) restore(snap *Store) {
	s.protocols = snap.protocols
	s.batches = snap.batches
	s.criteria = snap.criteria
	s.entities = snap.entities
	s.atoms = snap.atoms
	s.composites = snap.composites
	s.rels = snap.rels
	s.outbox = snap.outbox
	s.outboxKeys = snap.outboxKeys
	s.checkpoints = snap.checkpoints
	s.audit = snap.audit
}

func cloneProtocol(p *types.Protocol) *types.Protocol {
	c := *p
	c.PageCount = cloneIntPtr(p.PageCount)
	c.QualityScore = cloneFloatPtr(p.QualityScore)
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneBatch(b *types.CriteriaBatch) *types.CriteriaBatch {
	c := *b
	return &c
}

func cloneCriteria(cr *types.Criteria) *types.Criteria {
	c := *cr
	c.StructuredCriterion = cloneRaw(cr.StructuredCriterion)
	c.PageNumber = cloneIntPtr(cr.PageNumber)
	if cr.Conditions != nil {
		cond := types.Conditions{FieldMappings: make([]types.FieldMapping, len(cr.Conditions.FieldMappings))}
		copy(cond.FieldMappings, cr.Conditions.FieldMappings)
		c.Conditions = &cond
	}
	return &c
}

func cloneEntity(e *types.Entity) *types.Entity {
	c := *e
	c.SpanStart = cloneIntPtr(e.SpanStart)
	c.SpanEnd = cloneIntPtr(e.SpanEnd)
	return &c
}

func cloneAtom(a *types.AtomicCriterion) *types.AtomicCriterion {
	c := *a
	c.ValueNumeric = cloneFloatPtr(a.ValueNumeric)
	return &c
}

func cloneComposite(cc *types.CompositeCriterion) *types.CompositeCriterion {
	c := *cc
	return &c
}

func cloneRel(r *types.CriterionRelationship) *types.CriterionRelationship {
	c := *r
	return &c
}

func cloneEvent(ev *types.OutboxEvent) *types.OutboxEvent {
	c := *ev
	c.Payload = cloneRaw(ev.Payload)
	c.ClaimedAt = cloneTimePtr(ev.ClaimedAt)
	c.PublishedAt = cloneTimePtr(ev.PublishedAt)
	return &c
}

func cloneCheckpoint(cp *types.Checkpoint) *types.Checkpoint {
	c := *cp
	c.State = cloneRaw(cp.State)
	return &c
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
