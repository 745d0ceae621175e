package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/audit"
	"github.com/cohortforge/sieve/internal/outbox"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// versionKey is the protocol metadata entry tracking the processing version.
// The upload-confirm handler writes 1; each retry bumps it, which changes the
// trigger event's idempotency key and starts a fresh pipeline run.
const versionKey = "processing_version"

type createProtocolRequest struct {
	// ID is optional. Clients that supply one can retry the request safely:
	// a repeat with the same id returns the existing protocol.
	ID       string         `json:"id,omitempty"`
	Title    string         `json:"title"`
	FileURI  string         `json:"file_uri"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handleCreateProtocol confirms an upload: it writes the protocol row and its
// protocol_uploaded trigger event in one transaction, so no protocol exists
// without a pipeline run scheduled and no run is scheduled for a protocol
// that was never persisted.
func (s *Server) handleCreateProtocol(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createProtocolRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if strings.TrimSpace(req.FileURI) == "" {
		writeError(w, http.StatusBadRequest, "file_uri is required")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := s.store.GetProtocol(ctx, id); err == nil {
		// Idempotent retry of a confirmed upload.
		writeJSON(w, http.StatusOK, existing)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.writeStorageError(w, err)
		return
	}

	meta := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[versionKey] = 1

	now := time.Now().UTC()
	proto := &types.Protocol{
		ID:        id,
		Title:     req.Title,
		FileURI:   req.FileURI,
		Status:    types.StatusUploaded,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev, err := outbox.NewProtocolUploadedEvent(id, req.FileURI, req.Title, 1)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	who := actor(r)
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.CreateProtocol(ctx, proto); err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, ev); err != nil {
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			AggregateType: audit.AggregateProtocol,
			AggregateID:   id,
			Actor:         who,
			Action:        audit.ActionProtocolCreated,
			After:         map[string]any{"title": req.Title, "file_uri": req.FileURI},
		})
	})
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	s.log.Info("protocol confirmed",
		zap.String("protocol_id", id),
		zap.String("title", req.Title))
	writeJSON(w, http.StatusCreated, proto)
}

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.ProtocolFilter{
		Search:          q.Get("search"),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if statuses := q.Get("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, types.ProtocolStatus(strings.TrimSpace(st)))
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	protocols, err := s.store.ListProtocols(r.Context(), filter)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"protocols": protocols})
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.store.GetProtocol(ctx, chi.URLParam(r, "protocolID"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.lazyArchive(ctx, p))
}

// lazyArchive applies the archive TTL on read. A protocol abandoned in
// uploaded (its trigger dead-lettered before the pipeline started) or in a
// terminal failure state transitions to archived once the TTL elapses, and
// expired dead-letter events are swept in the same pass.
func (s *Server) lazyArchive(ctx context.Context, p *types.Protocol) *types.Protocol {
	if s.opts.ArchiveTTL < 0 {
		return p
	}
	switch p.Status {
	case types.StatusUploaded, types.StatusExtractionFailed, types.StatusGroundingFailed:
	default:
		return p
	}
	if time.Since(p.UpdatedAt) < s.opts.ArchiveTTL {
		return p
	}

	if n, err := s.store.ArchiveDeadLetters(ctx, s.opts.ArchiveTTL); err != nil {
		s.log.Warn("dead-letter sweep failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("archived expired dead-letter events", zap.Int("count", n))
	}

	err := s.store.UpdateProtocolStatus(ctx, p.ID, types.StatusArchived,
		"processing abandoned past archive ttl", "system")
	if err != nil {
		s.log.Warn("lazy archival failed",
			zap.String("protocol_id", p.ID),
			zap.Error(err))
		return p
	}
	s.log.Info("protocol archived on read",
		zap.String("protocol_id", p.ID),
		zap.String("from", string(p.Status)))
	refreshed, err := s.store.GetProtocol(ctx, p.ID)
	if err != nil {
		return p
	}
	return refreshed
}

// handleRetryProtocol re-enqueues the trigger event with a bumped processing
// version. Only terminal failure states may retry; everything else conflicts.
func (s *Server) handleRetryProtocol(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "protocolID")

	p, err := s.store.GetProtocol(ctx, id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if !p.Status.IsTerminalFailure() {
		writeError(w, http.StatusConflict,
			"retry requires extraction_failed or grounding_failed, protocol is "+string(p.Status))
		return
	}

	current := protocolVersion(p)
	next := current + 1
	ev, err := outbox.NewProtocolUploadedEvent(p.ID, p.FileURI, p.Title, next)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	meta := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta[versionKey] = next

	who := actor(r)
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpdateProtocol(ctx, id, map[string]any{"metadata": meta}); err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, ev); err != nil {
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			AggregateType: audit.AggregateProtocol,
			AggregateID:   id,
			Actor:         who,
			Action:        audit.ActionRetryRequested,
			Before:        map[string]any{versionKey: current, "status": p.Status, "error_reason": p.ErrorReason},
			After:         map[string]any{versionKey: next},
		})
	})
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	s.log.Info("retry enqueued",
		zap.String("protocol_id", id),
		zap.Int("version", next),
		zap.String("from", string(p.Status)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"protocol_id": id,
		"version":     next,
	})
}

// protocolVersion reads the processing version from protocol metadata.
// JSONB round-trips numbers as float64; fresh writes carry int.
func protocolVersion(p *types.Protocol) int {
	if p.Metadata == nil {
		return 1
	}
	switch v := p.Metadata[versionKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 1
	}
}

// handleListCriteria returns the active batch and its criteria in document
// order. A protocol with no active batch yields an empty list, not an error.
func (s *Server) handleListCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "protocolID")

	if _, err := s.store.GetProtocol(ctx, id); err != nil {
		s.writeStorageError(w, err)
		return
	}
	batch, err := s.store.GetActiveBatch(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"batch": nil, "criteria": []*types.Criteria{}})
		return
	}
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	criteria, err := s.store.ListCriteria(ctx, batch.ID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch, "criteria": criteria})
}

// handleProtocolAudit returns the protocol's audit trail, newest last.
func (s *Server) handleProtocolAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "protocolID")

	if _, err := s.store.GetProtocol(ctx, id); err != nil {
		s.writeStorageError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := audit.History(ctx, s.store, audit.AggregateProtocol, id, limit)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
