package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// EnqueueEvent inserts an outbox event. A second event with the same
// idempotency key returns ErrDuplicateEvent and leaves the store unchanged.
func (s *Store) EnqueueEvent(ctx context.Context, ev *types.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueEventLocked(ev)
}

func (s *Store) enqueueEventLocked(ev *types.OutboxEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("enqueue event: empty id")
	}
	if ev.IdempotencyKey == "" {
		return fmt.Errorf("enqueue event %s: empty idempotency key", ev.ID)
	}
	if _, ok := s.outboxKeys[ev.IdempotencyKey]; ok {
		return fmt.Errorf("enqueue event %s: %w", ev.IdempotencyKey, storage.ErrDuplicateEvent)
	}
	c := cloneEvent(ev)
	if c.Status == "" {
		c.Status = types.OutboxPending
	}
	s.outbox[c.ID] = c
	s.outboxKeys[c.IdempotencyKey] = c.ID
	return nil
}

// ClaimDueEvents atomically moves up to limit due pending events to
// in_flight, stamped with the claiming worker. Events already claimed by
// another worker are never returned.
func (s *Store) ClaimDueEvents(ctx context.Context, workerID string, limit int) ([]*types.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var due []*types.OutboxEvent
	for _, ev := range s.outbox {
		if ev.Status == types.OutboxPending && !ev.NextAttemptAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]*types.OutboxEvent, 0, len(due))
	for _, ev := range due {
		ev.Status = types.OutboxInFlight
		ev.ClaimedBy = workerID
		t := now
		ev.ClaimedAt = &t
		ev.UpdatedAt = now
		claimed = append(claimed, cloneEvent(ev))
	}
	return claimed, nil
}

// MarkEventPublished settles an event as successfully handled.
func (s *Store) MarkEventPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox event %s: %w", id, storage.ErrNotFound)
	}
	now := time.Now().UTC()
	ev.Status = types.OutboxPublished
	ev.PublishedAt = &now
	ev.UpdatedAt = now
	ev.ClaimedBy = ""
	ev.ClaimedAt = nil
	return nil
}

// MarkEventRetry returns an event to pending with an incremented retry
// count and a future attempt time.
func (s *Store) MarkEventRetry(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox event %s: %w", id, storage.ErrNotFound)
	}
	ev.Status = types.OutboxPending
	ev.RetryCount++
	ev.NextAttemptAt = nextAttemptAt
	ev.LastError = errMsg
	ev.UpdatedAt = time.Now().UTC()
	ev.ClaimedBy = ""
	ev.ClaimedAt = nil
	return nil
}

// MarkEventFailed settles an event whose handler hit a permanent error.
// Failed events are never retried.
func (s *Store) MarkEventFailed(ctx context.Context, id string, errMsg string) error {
	return s.settleEvent(id, types.OutboxFailed, errMsg)
}

// MarkEventDead settles an event whose retries are exhausted.
func (s *Store) MarkEventDead(ctx context.Context, id string, errMsg string) error {
	return s.settleEvent(id, types.OutboxDeadLetter, errMsg)
}

func (s *Store) settleEvent(id string, status types.OutboxStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox event %s: %w", id, storage.ErrNotFound)
	}
	ev.Status = status
	ev.RetryCount++
	ev.LastError = errMsg
	ev.UpdatedAt = time.Now().UTC()
	ev.ClaimedBy = ""
	ev.ClaimedAt = nil
	return nil
}

// RecoverStuckEvents returns in_flight events claimed longer ago than
// olderThan to pending so another worker can pick them up. It reports how
// many events were recovered.
func (s *Store) RecoverStuckEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, ev := range s.outbox {
		if ev.Status == types.OutboxInFlight && ev.ClaimedAt != nil && ev.ClaimedAt.Before(cutoff) {
			ev.Status = types.OutboxPending
			ev.ClaimedBy = ""
			ev.ClaimedAt = nil
			ev.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// ArchiveDeadLetters deletes dead_letter events settled longer ago than ttl.
// It reports how many events were removed.
func (s *Store) ArchiveDeadLetters(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl)
	n := 0
	for id, ev := range s.outbox {
		if ev.Status == types.OutboxDeadLetter && ev.UpdatedAt.Before(cutoff) {
			delete(s.outbox, id)
			delete(s.outboxKeys, ev.IdempotencyKey)
			n++
		}
	}
	return n, nil
}

// CountEventsByStatus returns event counts keyed by status.
func (s *Store) CountEventsByStatus(ctx context.Context) (map[types.OutboxStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.OutboxStatus]int)
	for _, ev := range s.outbox {
		counts[ev.Status]++
	}
	return counts, nil
}

// SaveCheckpoint appends a pipeline checkpoint for a protocol run.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.ProtocolID == "" || cp.ThreadID == "" {
		return fmt.Errorf("save checkpoint: protocol id and thread id required")
	}
	key := checkpointKey(cp.ProtocolID, cp.ThreadID)
	s.checkpoints[key] = append(s.checkpoints[key], cloneCheckpoint(cp))
	return nil
}

// LatestCheckpoint returns the most recent checkpoint of a protocol run.
func (s *Store) LatestCheckpoint(ctx context.Context, protocolID, threadID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[checkpointKey(protocolID, threadID)]
	if len(cps) == 0 {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", protocolID, threadID, storage.ErrNotFound)
	}
	return cloneCheckpoint(cps[len(cps)-1]), nil
}

// DeleteCheckpoints removes all checkpoints of a protocol run.
func (s *Store) DeleteCheckpoints(ctx context.Context, protocolID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, checkpointKey(protocolID, threadID))
	return nil
}
