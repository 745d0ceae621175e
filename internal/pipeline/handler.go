package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/outbox"
	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// Handler runs the pipeline for protocol_uploaded events. The checkpoint
// thread id is derived from the event, so a redelivery resumes the same run
// instead of starting a second one.
type Handler struct {
	runner *Runner
	store  storage.Storage
	log    *zap.Logger
}

func NewHandler(runner *Runner, store storage.Storage, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{runner: runner, store: store, log: logger.Named("pipeline")}
}

func (h *Handler) Name() string { return "pipeline" }

func (h *Handler) Handles() []string { return []string{outbox.EventProtocolUploaded} }

// ThreadID maps an event to its checkpoint thread. Every delivery of one
// event lands on the same thread; a re-enqueued event with a bumped version
// carries a new idempotency key and gets a fresh one.
func ThreadID(ev *types.OutboxEvent) string {
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Unix(0, 0)
	}
	sum := blake3.Sum256([]byte(ev.IdempotencyKey))
	return ulid.MustNew(ulid.Timestamp(ts.UTC()), bytes.NewReader(sum[:])).String()
}

func (h *Handler) Handle(ctx context.Context, ev *types.OutboxEvent) error {
	var payload outbox.ProtocolUploadedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return resilience.Permanentf("decode protocol_uploaded payload: %v", err)
	}
	if payload.ProtocolID == "" || payload.FileURI == "" || payload.Title == "" {
		return resilience.Permanentf("protocol_uploaded payload incomplete: protocol_id=%q file_uri=%q title=%q",
			payload.ProtocolID, payload.FileURI, payload.Title)
	}

	proto, err := h.store.GetProtocol(ctx, payload.ProtocolID)
	if err != nil {
		return storeErr("load protocol", err)
	}
	if proto.Status == types.StatusComplete || proto.Status == types.StatusArchived {
		h.log.Info("protocol already settled; ignoring delivery",
			zap.String("protocol_id", proto.ID),
			zap.String("status", string(proto.Status)),
			zap.String("event_id", ev.ID))
		return nil
	}

	out, err := h.runner.Run(ctx, ThreadID(ev), State{
		ProtocolID: payload.ProtocolID,
		FileURI:    payload.FileURI,
		Title:      payload.Title,
		Status:     string(proto.Status),
	})
	if err != nil {
		// Infrastructure failure: the dispatcher redelivers and the run
		// resumes from its latest checkpoint.
		return err
	}
	if out.Error != "" {
		if err := h.failProtocol(ctx, payload.ProtocolID, out.Error); err != nil {
			return err
		}
		h.log.Warn("pipeline run failed",
			zap.String("protocol_id", payload.ProtocolID),
			zap.String("reason", out.Error))
		// The failure is recorded on the protocol, so the event settles.
		return nil
	}
	return nil
}

// failProtocol settles the protocol after a fatal run. Persist settles its
// own failures; this covers fatals from the nodes before it.
func (h *Handler) failProtocol(ctx context.Context, protocolID, reason string) error {
	p, err := h.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return storeErr("load protocol", err)
	}
	var next types.ProtocolStatus
	switch p.Status {
	case types.StatusExtracting:
		next = types.StatusExtractionFailed
	case types.StatusGrounding:
		next = types.StatusGroundingFailed
	default:
		// Already settled by the run or by an operator.
		return nil
	}
	if err := h.store.UpdateProtocolStatus(ctx, protocolID, next, reason, h.runner.opts.Actor); err != nil {
		return storeErr("fail protocol", err)
	}
	return nil
}
