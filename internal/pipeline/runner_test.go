package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

func TestHandlerFetchFailureSettlesExtractionFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	p := e.seedProtocol(t, "prot-fetch", "Unreachable Study", []byte("%PDF-1.4"))
	e.blob.mu.Lock()
	e.blob.err = errors.New("bucket acl denied")
	e.blob.mu.Unlock()
	ev := uploadEvent(t, p, 1)

	if err := e.handler.Handle(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := e.protocolStatus(t, p.ID)
	if got.Status != types.StatusExtractionFailed {
		t.Fatalf("status = %s, want extraction_failed", got.Status)
	}
	if !strings.Contains(got.ErrorReason, ReasonFetchFailed) {
		t.Errorf("error reason = %q, want it to name %s", got.ErrorReason, ReasonFetchFailed)
	}

	cp, err := e.store.LatestCheckpoint(ctx, p.ID, ThreadID(ev))
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.NodeName != "ingest" {
		t.Errorf("checkpoint node = %q, want ingest", cp.NodeName)
	}

	// The terminal checkpoint makes redelivery a no-op.
	if err := e.handler.Handle(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := e.blob.fetchCount(); n != 1 {
		t.Errorf("blob fetches = %d, want 1", n)
	}
}

func TestHandlerNoCriteriaSettlesExtractionFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	p := e.seedProtocol(t, "prot-empty", "Empty Study", []byte("%PDF-1.4"))
	e.extract.extraction = `{"criteria": []}`

	if err := e.handler.Handle(ctx, uploadEvent(t, p, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := e.protocolStatus(t, p.ID)
	if got.Status != types.StatusExtractionFailed {
		t.Fatalf("status = %s, want extraction_failed", got.Status)
	}
	if !strings.Contains(got.ErrorReason, ReasonNoCriteria) {
		t.Errorf("error reason = %q, want it to name %s", got.ErrorReason, ReasonNoCriteria)
	}
	if _, err := e.store.GetActiveBatch(ctx, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("active batch err = %v, want not found", err)
	}
}

func TestHandlerNoEntitiesKeepsBatchInspectable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	p := e.seedProtocol(t, "prot-consent", "Consent Study", []byte("%PDF-1.4"))
	e.extract.extraction = `{
	  "criteria": [
	    {"text": "Willing and able to provide written informed consent",
	     "criteria_type": "inclusion", "assertion_status": "PRESENT", "confidence": 0.99}
	  ]
	}`

	if err := e.handler.Handle(ctx, uploadEvent(t, p, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := e.protocolStatus(t, p.ID)
	if got.Status != types.StatusExtractionFailed {
		t.Fatalf("status = %s, want extraction_failed", got.Status)
	}
	if !strings.Contains(got.ErrorReason, ReasonNoEntities) {
		t.Errorf("error reason = %q, want it to name %s", got.ErrorReason, ReasonNoEntities)
	}

	batch, err := e.store.GetActiveBatch(ctx, p.ID)
	if err != nil {
		t.Fatalf("active batch: %v", err)
	}
	rows, err := e.store.ListCriteria(ctx, batch.ID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("criteria = %d (err %v), want the batch persisted with 1", len(rows), err)
	}
}

func TestHandlerNothingGroundedSettlesGroundingFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	p := e.seedProtocol(t, "prot-rare", "Rare Disease Study", []byte("%PDF-1.4"))
	e.extract.extraction = `{
	  "criteria": [
	    {"text": "History of Erdheim-Chester disease or Castleman disease",
	     "criteria_type": "exclusion", "assertion_status": "HISTORICAL", "confidence": 0.9,
	     "entities": [
	       {"text": "Erdheim-Chester disease", "entity_type": "Condition"},
	       {"text": "Castleman disease", "entity_type": "Condition"}
	     ]}
	  ]
	}`

	if err := e.handler.Handle(ctx, uploadEvent(t, p, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := e.protocolStatus(t, p.ID)
	if got.Status != types.StatusGroundingFailed {
		t.Fatalf("status = %s, want grounding_failed", got.Status)
	}
	if got.ErrorReason != "0 of 2 entities grounded" {
		t.Errorf("error reason = %q", got.ErrorReason)
	}
	errs, ok := got.Metadata["errors"].([]string)
	if !ok || len(errs) != 2 {
		t.Fatalf("recorded errors = %v, want 2", got.Metadata["errors"])
	}

	// The failed entities keep their rows so reviewers can bind codes by hand.
	batch, _ := e.store.GetActiveBatch(ctx, p.ID)
	rows, _ := e.store.ListCriteria(ctx, batch.ID)
	ents, err := e.store.ListEntities(ctx, rows[0].ID)
	if err != nil || len(ents) != 2 {
		t.Fatalf("entities = %d (err %v), want 2", len(ents), err)
	}
	for _, ent := range ents {
		if ent.Method != types.GroundExpertReview || ent.HasCode() {
			t.Errorf("entity %q = method %s coded %v, want uncoded expert_review", ent.Text, ent.Method, ent.HasCode())
		}
	}
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	p := setupDMStudy(t, e)
	e.extract.failFirst = true
	ev := uploadEvent(t, p, 1)

	err := e.handler.Handle(ctx, ev)
	if err == nil {
		t.Fatal("first delivery succeeded, want transient failure")
	}
	if !resilience.IsTransient(err) {
		t.Fatalf("first delivery err = %v, want transient", err)
	}

	cp, err := e.store.LatestCheckpoint(ctx, p.ID, ThreadID(ev))
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.NodeName != "ingest" {
		t.Fatalf("checkpoint node = %q, want ingest", cp.NodeName)
	}

	if err := e.handler.Handle(ctx, ev); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	got := e.protocolStatus(t, p.ID)
	if got.Status != types.StatusPendingReview {
		t.Fatalf("status = %s, want pending_review", got.Status)
	}

	// The resumed run re-fetches the document because checkpoints do not
	// carry the PDF.
	if extracts, _ := e.extract.counts(); extracts != 2 {
		t.Errorf("extract calls = %d, want 2", extracts)
	}
	if n := e.blob.fetchCount(); n != 2 {
		t.Errorf("blob fetches = %d, want 2", n)
	}
}

func TestThreadIDDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	ev := func(key string, ts time.Time) *types.OutboxEvent {
		return &types.OutboxEvent{IdempotencyKey: key, CreatedAt: ts}
	}

	a := ThreadID(ev("prot-1:upload:1", at))
	b := ThreadID(ev("prot-1:upload:1", at))
	if a != b {
		t.Errorf("same event produced different threads: %s vs %s", a, b)
	}
	if c := ThreadID(ev("prot-1:upload:2", at)); c == a {
		t.Error("bumped version should start a new thread")
	}
	if d := ThreadID(ev("prot-1:upload:1", at.Add(time.Second))); d == a {
		t.Error("different creation time should start a new thread")
	}
	if z := ThreadID(ev("prot-1:upload:1", time.Time{})); z == "" {
		t.Error("zero creation time should still produce a thread id")
	}
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})

	for name, payload := range map[string]string{
		"invalid json":   `{"protocol_id": `,
		"missing fields": `{"protocol_id": "p1"}`,
	} {
		ev := &types.OutboxEvent{
			ID:             "ev-" + name,
			EventType:      "protocol_uploaded",
			Payload:        json.RawMessage(payload),
			IdempotencyKey: "p1:upload:1",
			CreatedAt:      time.Now().UTC(),
		}
		err := e.handler.Handle(ctx, ev)
		if !resilience.IsPermanent(err) {
			t.Errorf("%s: err = %v, want permanent", name, err)
		}
	}
}

func TestHandlerSkipsSettledProtocol(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	now := time.Now().UTC()
	p := &types.Protocol{
		ID: "prot-done", Title: "Done Study", FileURI: "mem://protocols/done.pdf",
		Status: types.StatusComplete, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.CreateProtocol(ctx, p); err != nil {
		t.Fatalf("seed protocol: %v", err)
	}

	if err := e.handler.Handle(ctx, uploadEvent(t, p, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := e.blob.fetchCount(); n != 0 {
		t.Errorf("blob fetches = %d, want 0 for a settled protocol", n)
	}
	if extracts, _ := e.extract.counts(); extracts != 0 {
		t.Errorf("extract calls = %d, want 0", extracts)
	}
}

func TestRunnerValidatesState(t *testing.T) {
	e := newEnv(t, Options{})
	out, err := e.runner.Run(context.Background(), "", State{FileURI: "mem://x.pdf", Title: "X"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.Error, "empty protocol_id") {
		t.Errorf("out.Error = %q, want empty protocol_id complaint", out.Error)
	}
}

func TestRunnerCorruptCheckpointEndsRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	if err := e.store.SaveCheckpoint(ctx, &types.Checkpoint{
		ID: "cp-bad", ProtocolID: "prot-x", ThreadID: "thread-x",
		NodeName: "ingest", State: json.RawMessage(`{"protocol_id":`),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	out, err := e.runner.Run(ctx, "thread-x", State{
		ProtocolID: "prot-x", FileURI: "mem://x.pdf", Title: "X",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.Error, "corrupt checkpoint") {
		t.Errorf("out.Error = %q, want corrupt checkpoint", out.Error)
	}
}

func TestRunnerUnknownCheckpointNodeEndsRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	state, err := State{ProtocolID: "prot-y", FileURI: "mem://y.pdf", Title: "Y"}.checkpointJSON()
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := e.store.SaveCheckpoint(ctx, &types.Checkpoint{
		ID: "cp-odd", ProtocolID: "prot-y", ThreadID: "thread-y",
		NodeName: "fetch_stage", State: state, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	out, err := e.runner.Run(ctx, "thread-y", State{
		ProtocolID: "prot-y", FileURI: "mem://y.pdf", Title: "Y",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.Error, "unknown node") {
		t.Errorf("out.Error = %q, want unknown node", out.Error)
	}
}
