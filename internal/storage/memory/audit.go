package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cohortforge/sieve/internal/types"
)

// AppendAudit writes one immutable audit record. An empty ID is assigned.
func (s *Store) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditLocked(entry)
}

func (s *Store) appendAuditLocked(entry *types.AuditEntry) error {
	if entry.AggregateType == "" || entry.AggregateID == "" {
		return fmt.Errorf("append audit: aggregate type and id required")
	}
	c := *entry
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Before = cloneRaw(entry.Before)
	c.After = cloneRaw(entry.After)
	s.audit = append(s.audit, &c)
	return nil
}

// ListAudit returns audit records matching the filter, oldest first.
func (s *Store) ListAudit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.AuditEntry
	for _, e := range s.audit {
		if filter.AggregateType != "" && e.AggregateType != filter.AggregateType {
			continue
		}
		if filter.AggregateID != "" && e.AggregateID != filter.AggregateID {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}
