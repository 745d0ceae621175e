package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// EnqueueEvent inserts an outbox event. A second event with the same
// idempotency key returns ErrDuplicateEvent and inserts nothing.
func (s *Store) EnqueueEvent(ctx context.Context, ev *types.OutboxEvent) error {
	return (&queries{ext: s.db}).enqueueEvent(ctx, ev)
}

func (q *queries) enqueueEvent(ctx context.Context, ev *types.OutboxEvent) error {
	if ev.IdempotencyKey == "" {
		return fmt.Errorf("enqueue event %s: empty idempotency key", ev.ID)
	}
	status := ev.Status
	if status == "" {
		status = types.OutboxPending
	}
	nextAttempt := ev.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = time.Now().UTC()
	}
	res, err := q.ext.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, aggregate_type, aggregate_id, payload, idempotency_key, status, retry_count, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, now(), now())
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		ev.ID, ev.EventType, ev.AggregateType, ev.AggregateID, []byte(ev.Payload),
		ev.IdempotencyKey, status, nextAttempt)
	if err != nil {
		return fmt.Errorf("enqueue event %s: %w", ev.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enqueue event %s: %w", ev.IdempotencyKey, storage.ErrDuplicateEvent)
	}
	return nil
}

// ClaimDueEvents atomically moves up to limit due pending events to
// in_flight. SKIP LOCKED keeps concurrent workers from blocking on or
// double-claiming the same rows.
func (s *Store) ClaimDueEvents(ctx context.Context, workerID string, limit int) ([]*types.OutboxEvent, error) {
	var rows []eventRow
	err := sqlx.SelectContext(ctx, s.db, &rows,
		`UPDATE outbox_events SET status = $1, claimed_by = $2, claimed_at = now(), updated_at = now()
		 WHERE id IN (
		     SELECT id FROM outbox_events
		     WHERE status = $3 AND next_attempt_at <= now()
		     ORDER BY next_attempt_at, created_at
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+eventColumns,
		types.OutboxInFlight, workerID, types.OutboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	out := make([]*types.OutboxEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// MarkEventPublished settles an event as successfully handled.
func (s *Store) MarkEventPublished(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, published_at = now(), updated_at = now(), claimed_by = '', claimed_at = NULL
		 WHERE id = $2`, types.OutboxPublished, id)
	if err != nil {
		return fmt.Errorf("mark event %s published: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkEventRetry returns an event to pending with an incremented retry
// count and a future attempt time.
func (s *Store) MarkEventRetry(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, retry_count = retry_count + 1, next_attempt_at = $2, last_error = $3, updated_at = now(), claimed_by = '', claimed_at = NULL
		 WHERE id = $4`, types.OutboxPending, nextAttemptAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark event %s for retry: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkEventFailed settles an event whose handler hit a permanent error.
func (s *Store) MarkEventFailed(ctx context.Context, id string, errMsg string) error {
	return s.settleEvent(ctx, id, types.OutboxFailed, errMsg)
}

// MarkEventDead settles an event whose retries are exhausted.
func (s *Store) MarkEventDead(ctx context.Context, id string, errMsg string) error {
	return s.settleEvent(ctx, id, types.OutboxDeadLetter, errMsg)
}

func (s *Store) settleEvent(ctx context.Context, id string, status types.OutboxStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, retry_count = retry_count + 1, last_error = $2, updated_at = now(), claimed_by = '', claimed_at = NULL
		 WHERE id = $3`, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("settle event %s as %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// RecoverStuckEvents returns in_flight events claimed longer ago than
// olderThan to pending. Crashed workers leave such rows behind.
func (s *Store) RecoverStuckEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, claimed_by = '', claimed_at = NULL, updated_at = now()
		 WHERE status = $2 AND claimed_at < now() - $3::interval`,
		types.OutboxPending, types.OutboxInFlight, intervalString(olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stuck events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ArchiveDeadLetters deletes dead_letter events settled longer ago than ttl.
func (s *Store) ArchiveDeadLetters(ctx context.Context, ttl time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status = $1 AND updated_at < now() - $2::interval`,
		types.OutboxDeadLetter, intervalString(ttl))
	if err != nil {
		return 0, fmt.Errorf("archive dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func intervalString(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// CountEventsByStatus returns event counts keyed by status.
func (s *Store) CountEventsByStatus(ctx context.Context) (map[types.OutboxStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, count(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count events by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.OutboxStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[types.OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}

// SaveCheckpoint appends a pipeline checkpoint for a protocol run.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp.ProtocolID == "" || cp.ThreadID == "" {
		return fmt.Errorf("save checkpoint: protocol id and thread id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_checkpoints (id, protocol_id, thread_id, node_name, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		cp.ID, cp.ProtocolID, cp.ThreadID, cp.NodeName, []byte(cp.State))
	if err != nil {
		return fmt.Errorf("save checkpoint for %s/%s: %w", cp.ProtocolID, cp.ThreadID, err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint of a protocol run.
func (s *Store) LatestCheckpoint(ctx context.Context, protocolID, threadID string) (*types.Checkpoint, error) {
	var row checkpointRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+checkpointColumns+` FROM pipeline_checkpoints
		 WHERE protocol_id = $1 AND thread_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, protocolID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", protocolID, threadID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint for %s/%s: %w", protocolID, threadID, err)
	}
	return row.toDomain(), nil
}

// DeleteCheckpoints removes all checkpoints of a protocol run.
func (s *Store) DeleteCheckpoints(ctx context.Context, protocolID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_checkpoints WHERE protocol_id = $1 AND thread_id = $2`,
		protocolID, threadID)
	if err != nil {
		return fmt.Errorf("delete checkpoints for %s/%s: %w", protocolID, threadID, err)
	}
	return nil
}
