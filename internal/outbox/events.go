// Package outbox drains the transactional outbox. Producers write events in
// the same storage transaction as the domain change they announce; the
// dispatcher claims due events, hands each to the handler registered for its
// type, and settles the row according to the outcome. Delivery is
// at-least-once, so handlers must be idempotent.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cohortforge/sieve/internal/types"
)

// EventProtocolUploaded triggers a pipeline run for an uploaded protocol
// document. It is the only event type the pipeline recognizes.
const EventProtocolUploaded = "protocol_uploaded"

// AggregateProtocol is the aggregate_type for protocol-scoped events.
const AggregateProtocol = "protocol"

// ProtocolUploadedPayload is the payload of a protocol_uploaded event.
type ProtocolUploadedPayload struct {
	ProtocolID string `json:"protocol_id"`
	FileURI    string `json:"file_uri"`
	Title      string `json:"title"`
}

// NewProtocolUploadedEvent builds the trigger event for one pipeline run.
// The idempotency key embeds the processing version, so re-enqueueing the
// same version is a no-op while a bumped version starts a fresh run.
func NewProtocolUploadedEvent(protocolID, fileURI, title string, version int) (*types.OutboxEvent, error) {
	if protocolID == "" {
		return nil, fmt.Errorf("protocol_uploaded event: empty protocol id")
	}
	payload, err := json.Marshal(ProtocolUploadedPayload{
		ProtocolID: protocolID,
		FileURI:    fileURI,
		Title:      title,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal protocol_uploaded payload: %w", err)
	}
	now := time.Now().UTC()
	return &types.OutboxEvent{
		ID:             uuid.NewString(),
		EventType:      EventProtocolUploaded,
		AggregateType:  AggregateProtocol,
		AggregateID:    protocolID,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("%s:upload:%d", protocolID, version),
		Status:         types.OutboxPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
