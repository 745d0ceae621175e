package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// CreateProtocol inserts a new protocol row.
func (s *Store) CreateProtocol(ctx context.Context, p *types.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createProtocolLocked(p)
}

func (s *Store) createProtocolLocked(p *types.Protocol) error {
	if p.ID == "" {
		return fmt.Errorf("create protocol: empty id")
	}
	if _, ok := s.protocols[p.ID]; ok {
		return fmt.Errorf("create protocol %s: already exists", p.ID)
	}
	s.protocols[p.ID] = cloneProtocol(p)
	return nil
}

// GetProtocol returns one protocol by id.
func (s *Store) GetProtocol(ctx context.Context, id string) (*types.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProtocolLocked(id)
}

func (s *Store) getProtocolLocked(id string) (*types.Protocol, error) {
	p, ok := s.protocols[id]
	if !ok {
		return nil, fmt.Errorf("protocol %s: %w", id, storage.ErrNotFound)
	}
	return cloneProtocol(p), nil
}

// ListProtocols returns protocols matching the filter, newest first.
func (s *Store) ListProtocols(ctx context.Context, filter types.ProtocolFilter) ([]*types.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Protocol
	for _, p := range s.protocols {
		if !filter.IncludeArchived && p.Status == types.StatusArchived {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, p.Status) {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(p.Title), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, cloneProtocol(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []types.ProtocolStatus, st types.ProtocolStatus) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

// UpdateProtocol applies field updates to a protocol. Status is rejected
// here; status moves go through UpdateProtocolStatus so the state machine
// stays enforced.
func (s *Store) UpdateProtocol(ctx context.Context, id string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProtocolLocked(id, updates)
}

func (s *Store) updateProtocolLocked(id string, updates map[string]any) error {
	p, ok := s.protocols[id]
	if !ok {
		return fmt.Errorf("protocol %s: %w", id, storage.ErrNotFound)
	}
	for key, val := range updates {
		switch key {
		case "title":
			v, ok := val.(string)
			if !ok {
				return fmt.Errorf("update protocol %s: title must be string", id)
			}
			p.Title = v
		case "page_count":
			switch v := val.(type) {
			case int:
				p.PageCount = &v
			case *int:
				p.PageCount = cloneIntPtr(v)
			default:
				return fmt.Errorf("update protocol %s: page_count must be int", id)
			}
		case "quality_score":
			switch v := val.(type) {
			case float64:
				p.QualityScore = &v
			case *float64:
				p.QualityScore = cloneFloatPtr(v)
			default:
				return fmt.Errorf("update protocol %s: quality_score must be float64", id)
			}
		case "error_reason":
			v, ok := val.(string)
			if !ok {
				return fmt.Errorf("update protocol %s: error_reason must be string", id)
			}
			p.ErrorReason = v
		case "metadata":
			v, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("update protocol %s: metadata must be map", id)
			}
			p.Metadata = v
		case "status":
			return fmt.Errorf("update protocol %s: status updates must use UpdateProtocolStatus", id)
		default:
			return fmt.Errorf("update protocol %s: unknown field %q", id, key)
		}
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateProtocolStatus moves a protocol through the state machine and
// records the move in the audit log. Invalid moves return
// ErrInvalidTransition.
func (s *Store) UpdateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProtocolStatusLocked(id, next, errorReason, actor)
}

func (s *Store) updateProtocolStatusLocked(id string, next types.ProtocolStatus, errorReason, actor string) error {
	p, ok := s.protocols[id]
	if !ok {
		return fmt.Errorf("protocol %s: %w", id, storage.ErrNotFound)
	}
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("protocol %s: %s -> %s: %w", id, p.Status, next, storage.ErrInvalidTransition)
	}
	before, _ := json.Marshal(map[string]string{"status": string(p.Status)})
	p.Status = next
	p.ErrorReason = errorReason
	p.UpdatedAt = time.Now().UTC()
	after, _ := json.Marshal(map[string]string{"status": string(next)})
	s.appendAuditLocked(&types.AuditEntry{
		AggregateType: "protocol",
		AggregateID:   id,
		Actor:         actor,
		Action:        "status_change",
		Before:        before,
		After:         after,
		CreatedAt:     p.UpdatedAt,
	})
	return nil
}
