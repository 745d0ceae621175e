package types

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of a queued event.
//
// pending events are claimable once next_attempt_at passes. in_flight rows
// belong to exactly one worker. published and failed are terminal: published
// means the handler ran to completion (even if the work it recorded was an
// error on the aggregate), failed means the handler hit a permanent error
// that retrying cannot fix. dead_letter means retries were exhausted.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxInFlight   OutboxStatus = "in_flight"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// OutboxEvent is one row of the transactional outbox. Events are written in
// the same transaction as the domain write they announce and drained by the
// dispatcher. IdempotencyKey is unique; enqueueing the same key twice is a
// no-op so upload-confirm can be retried safely.
type OutboxEvent struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         OutboxStatus    `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
}

// Checkpoint is a snapshot of pipeline state written after each node
// completes, keyed by protocol and run thread. The latest checkpoint for a
// thread is where a resumed run picks up.
type Checkpoint struct {
	ID         string          `json:"id"`
	ProtocolID string          `json:"protocol_id"`
	ThreadID   string          `json:"thread_id"`
	NodeName   string          `json:"node_name"`
	State      json.RawMessage `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
}
