package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/storage/memory"
)

// Entries must be able to join the transaction of the write they describe.
var _ Appender = (storage.Transaction)(nil)

func TestAppendEncodesSides(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	err := Append(ctx, store, Entry{
		AggregateType: AggregateCriteria,
		AggregateID:   "crit-1",
		Actor:         "dr-chen",
		Action:        ActionReviewDecision,
		Before:        map[string]any{"review_status": "pending"},
		After:         map[string]any{"review_status": "approved"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := History(ctx, store, AggregateCriteria, "crit-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ID == "" {
		t.Error("entry not assigned an id")
	}
	if e.Actor != "dr-chen" || e.Action != ActionReviewDecision {
		t.Errorf("entry = %s/%s, want dr-chen/%s", e.Actor, e.Action, ActionReviewDecision)
	}
	var before, after map[string]string
	if err := json.Unmarshal(e.Before, &before); err != nil {
		t.Fatalf("decode before: %v", err)
	}
	if err := json.Unmarshal(e.After, &after); err != nil {
		t.Fatalf("decode after: %v", err)
	}
	if before["review_status"] != "pending" || after["review_status"] != "approved" {
		t.Errorf("sides = %v -> %v, want pending -> approved", before, after)
	}
	if e.CreatedAt.IsZero() {
		t.Error("entry missing created_at")
	}
}

func TestAppendNilSidesOmitted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	err := Append(ctx, store, Entry{
		AggregateType: AggregateBatch,
		AggregateID:   "batch-1",
		Actor:         "pipeline",
		Action:        ActionBatchCreated,
		After:         map[string]int{"criteria": 4},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := History(ctx, store, AggregateBatch, "batch-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Before != nil {
		t.Errorf("before = %s, want omitted", entries[0].Before)
	}
	if entries[0].After == nil {
		t.Error("after missing")
	}
}

func TestAppendRejectsUnencodable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	err := Append(ctx, store, Entry{
		AggregateType: AggregateProtocol,
		AggregateID:   "prot-1",
		Actor:         "pipeline",
		Action:        ActionProtocolCreated,
		After:         make(chan int),
	})
	if err == nil {
		t.Fatal("expected encode error for channel value")
	}
	if entries, _ := History(ctx, store, AggregateProtocol, "prot-1", 0); len(entries) != 0 {
		t.Errorf("got %d entries after failed append, want 0", len(entries))
	}
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	for _, action := range []string{ActionBatchCreated, ActionReviewInherited, ActionBatchApproved} {
		if err := Append(ctx, store, Entry{
			AggregateType: AggregateBatch,
			AggregateID:   "batch-2",
			Actor:         "pipeline",
			Action:        action,
		}); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}

	entries, err := History(ctx, store, AggregateBatch, "batch-2", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Action != ActionReviewInherited || entries[1].Action != ActionBatchApproved {
		t.Errorf("kept %s, %s; want the two newest", entries[0].Action, entries[1].Action)
	}
}

func TestHistoryScopedToAggregate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	if err := Append(ctx, store, Entry{
		AggregateType: AggregateCriteria, AggregateID: "crit-a",
		Actor: "dr-chen", Action: ActionReviewDecision,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := Append(ctx, store, Entry{
		AggregateType: AggregateCriteria, AggregateID: "crit-b",
		Actor: "dr-chen", Action: ActionReviewDecision,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := History(ctx, store, AggregateCriteria, "crit-a", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].AggregateID != "crit-a" {
		t.Errorf("history leaked entries across aggregates: %+v", entries)
	}
}
