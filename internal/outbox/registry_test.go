package outbox

import (
	"context"
	"strings"
	"testing"

	"github.com/cohortforge/sieve/internal/types"
)

type namedHandler struct {
	name  string
	types []string
}

func (h *namedHandler) Name() string      { return h.name }
func (h *namedHandler) Handles() []string { return h.types }
func (h *namedHandler) Handle(ctx context.Context, ev *types.OutboxEvent) error {
	return nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	h := &namedHandler{name: "pipeline", types: []string{EventProtocolUploaded}}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := reg.HandlerFor(EventProtocolUploaded)
	if !ok {
		t.Fatal("HandlerFor returned no handler")
	}
	if got.Name() != "pipeline" {
		t.Errorf("handler name = %q, want pipeline", got.Name())
	}

	if _, ok := reg.HandlerFor("batch_completed"); ok {
		t.Error("HandlerFor returned a handler for an unbound type")
	}
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&namedHandler{name: "first", types: []string{EventProtocolUploaded}}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	err := reg.Register(&namedHandler{name: "second", types: []string{EventProtocolUploaded}})
	if err == nil {
		t.Fatal("registering a second handler for the same type should fail")
	}
	if !strings.Contains(err.Error(), "first") {
		t.Errorf("error %q should name the existing handler", err)
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&namedHandler{name: "multi", types: []string{"zeta", "alpha"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := reg.Types()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("Types() = %v, want [alpha zeta]", got)
	}
}

func TestNewProtocolUploadedEvent(t *testing.T) {
	ev, err := NewProtocolUploadedEvent("proto-1", "gs://bucket/p.pdf", "Phase II study", 2)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if ev.EventType != EventProtocolUploaded {
		t.Errorf("event type = %q", ev.EventType)
	}
	if ev.AggregateType != AggregateProtocol || ev.AggregateID != "proto-1" {
		t.Errorf("aggregate = %s/%s, want protocol/proto-1", ev.AggregateType, ev.AggregateID)
	}
	if ev.IdempotencyKey != "proto-1:upload:2" {
		t.Errorf("idempotency key = %q, want proto-1:upload:2", ev.IdempotencyKey)
	}
	if ev.Status != types.OutboxPending {
		t.Errorf("status = %q, want pending", ev.Status)
	}
	if !strings.Contains(string(ev.Payload), `"file_uri":"gs://bucket/p.pdf"`) {
		t.Errorf("payload missing file_uri: %s", ev.Payload)
	}

	if _, err := NewProtocolUploadedEvent("", "gs://b/p.pdf", "t", 1); err == nil {
		t.Error("empty protocol id should be rejected")
	}
}
