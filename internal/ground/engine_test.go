package ground

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/terminology"
	"github.com/cohortforge/sieve/internal/types"
)

type fakeSearcher struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	fn    func(text string, entityType types.EntityType) ([]types.Candidate, error)
}

func (f *fakeSearcher) Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.fn == nil {
		return []types.Candidate{snomedCandidate(text)}, nil
	}
	return f.fn(text, entityType)
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func snomedCandidate(text string) types.Candidate {
	return types.Candidate{
		Code: "73211009", System: types.SystemSnomed, Display: text,
		Confidence: terminology.ExactConfidence, Provider: "snomed",
	}
}

// fakeReason scripts the reasoning model. It tells warmup, decision, and
// refinement prompts apart by their fixed markers.
type fakeReason struct {
	mu          sync.Mutex
	warmups     int
	decideCalls int
	askCalls    int
	decideFn    func(n int) (string, error)
	askFn       func(n int) (string, error)
}

func (f *fakeReason) Name() string { return "fake-reason" }

func (f *fakeReason) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(req.Prompt, "single word"):
		f.warmups++
		return &llm.Response{Text: "ready"}, nil
	case strings.Contains(req.Prompt, "Question:"):
		f.askCalls++
		if f.askFn != nil {
			text, err := f.askFn(f.askCalls)
			if err != nil {
				return nil, err
			}
			return &llm.Response{Text: text}, nil
		}
		return &llm.Response{Text: `{"valid": true}`}, nil
	default:
		f.decideCalls++
		if f.decideFn != nil {
			text, err := f.decideFn(f.decideCalls)
			if err != nil {
				return nil, err
			}
			return &llm.Response{Text: text}, nil
		}
		return &llm.Response{Text: `{"best_candidate": 0, "confidence": 0.9, "rationale": "clear match"}`}, nil
	}
}

func (f *fakeReason) counts() (warmups, decides, asks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warmups, f.decideCalls, f.askCalls
}

func entity(text string, entityType types.EntityType) types.EntityLite {
	return types.EntityLite{CriterionID: "crit-1", Text: text, EntityType: entityType}
}

func TestGroundHappyPath(t *testing.T) {
	search := &fakeSearcher{}
	reason := &fakeReason{}
	e := New(search, reason, zap.NewNop(), Options{})

	age := entity("Age", types.EntityDemographic)
	age.SkipGrounding = true
	res, err := e.Ground(context.Background(), []types.EntityLite{
		age,
		entity("hepatic impairment", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("entities = %d", len(res.Entities))
	}
	if !res.Entities[0].Skipped {
		t.Error("demographic entity not skipped")
	}
	got := res.Entities[1]
	if got.BestCode != "73211009" || got.System != types.SystemSnomed {
		t.Errorf("binding = %+v", got)
	}
	if got.Method != types.GroundExact {
		t.Errorf("method = %q, want exact", got.Method)
	}
	if got.Confidence != 0.9 {
		t.Errorf("confidence = %v, want the decision's score", got.Confidence)
	}
	if res.Stats.Dispatched != 1 || res.Stats.GroundedCount != 1 || res.Stats.ErrorCount != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if res.Stats.Skipped != 1 {
		t.Errorf("skipped = %d", res.Stats.Skipped)
	}
	if warmups, _, _ := reason.counts(); warmups != 1 {
		t.Errorf("warmups = %d, want 1", warmups)
	}
}

func TestGroundPreservesInputOrder(t *testing.T) {
	// Later entities finish sooner; output order must not care.
	search := &fakeSearcher{fn: func(text string, et types.EntityType) ([]types.Candidate, error) {
		var n int
		fmt.Sscanf(text, "entity-%d", &n)
		time.Sleep(time.Duration(8-n) * 3 * time.Millisecond)
		return []types.Candidate{snomedCandidate(text)}, nil
	}}
	e := New(search, &fakeReason{}, zap.NewNop(), Options{Concurrency: 4})

	var in []types.EntityLite
	for i := 0; i < 8; i++ {
		in = append(in, entity(fmt.Sprintf("entity-%d", i), types.EntityCondition))
	}
	res, err := e.Ground(context.Background(), in)
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	for i, g := range res.Entities {
		if want := fmt.Sprintf("entity-%d", i); g.Text != want {
			t.Fatalf("position %d holds %q, want %q", i, g.Text, want)
		}
	}
}

func TestGroundPartialFailure(t *testing.T) {
	empty := map[string]bool{"mystery syndrome": true, "unscorable finding": true}
	search := &fakeSearcher{fn: func(text string, et types.EntityType) ([]types.Candidate, error) {
		if empty[text] {
			return nil, nil
		}
		return []types.Candidate{snomedCandidate(text)}, nil
	}}
	e := New(search, &fakeReason{}, zap.NewNop(), Options{})

	res, err := e.Ground(context.Background(), []types.EntityLite{
		entity("hypertension", types.EntityCondition),
		entity("mystery syndrome", types.EntityCondition),
		entity("type 2 diabetes", types.EntityCondition),
		entity("unscorable finding", types.EntityCondition),
		entity("asthma", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	if res.Stats.GroundedCount != 3 || res.Stats.ErrorCount != 2 {
		t.Errorf("stats = %+v, want 3 grounded / 2 errors", res.Stats)
	}
	if res.Stats.GroundedCount+res.Stats.ErrorCount != res.Stats.Dispatched {
		t.Errorf("count invariant broken: %+v", res.Stats)
	}
	for _, g := range res.Entities {
		if empty[g.Text] {
			if g.Method != types.GroundExpertReview || g.Err == "" {
				t.Errorf("empty-result entity = %+v, want expert_review with error", g)
			}
		}
	}
}

func TestGroundAgenticRecovery(t *testing.T) {
	search := &fakeSearcher{fn: func(text string, et types.EntityType) ([]types.Candidate, error) {
		if text == "diabetes mellitus" {
			return []types.Candidate{{Code: "73211009", System: types.SystemSnomed, Display: text, Confidence: terminology.ExactConfidence}}, nil
		}
		return []types.Candidate{{Code: "44054006", System: types.SystemSnomed, Display: text, Confidence: terminology.FuzzyConfidence}}, nil
	}}
	reason := &fakeReason{
		decideFn: func(n int) (string, error) {
			if n == 1 {
				return `{"best_candidate": 0, "confidence": 0.3, "rationale": "weak"}`, nil
			}
			return `{"best_candidate": 0, "confidence": 0.85, "rationale": "broadened"}`, nil
		},
		askFn: func(n int) (string, error) {
			return `{"valid": true, "refined_text": "diabetes mellitus"}`, nil
		},
	}
	e := New(search, reason, zap.NewNop(), Options{})

	res, err := e.Ground(context.Background(), []types.EntityLite{
		entity("DM2 poorly controlled", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	g := res.Entities[0]
	if g.Method != types.GroundAgentic {
		t.Errorf("method = %q, want agentic", g.Method)
	}
	if g.BestCode != "73211009" || g.Confidence != 0.85 {
		t.Errorf("binding = %+v", g)
	}
	if res.Stats.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", res.Stats.RetryCount)
	}
}

func TestGroundAgenticExhaustionKeepsBestCandidate(t *testing.T) {
	search := &fakeSearcher{fn: func(text string, et types.EntityType) ([]types.Candidate, error) {
		return []types.Candidate{{Code: "XX1", System: types.SystemSnomed, Display: text, Confidence: terminology.FuzzyConfidence}}, nil
	}}
	reason := &fakeReason{decideFn: func(n int) (string, error) {
		return `{"best_candidate": 0, "confidence": 0.2, "rationale": "poor"}`, nil
	}}
	e := New(search, reason, zap.NewNop(), Options{})

	res, err := e.Ground(context.Background(), []types.EntityLite{
		entity("vague shadow on scan", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	g := res.Entities[0]
	if g.Method != types.GroundExpertReview {
		t.Errorf("method = %q, want expert_review", g.Method)
	}
	if g.BestCode != "XX1" {
		t.Errorf("best low-confidence candidate dropped: %+v", g)
	}
	if g.Err != "" {
		t.Errorf("exhaustion is not an error, got %q", g.Err)
	}
	// A retained binding counts as grounded; the reviewer sorts it out.
	if res.Stats.GroundedCount != 1 || res.Stats.ErrorCount != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if res.Stats.RetryCount != 3 {
		t.Errorf("retries = %d, want the full question sequence", res.Stats.RetryCount)
	}
	if _, _, asks := reason.counts(); asks != 3 {
		t.Errorf("ask calls = %d, want 3", asks)
	}
}

func TestGroundInvalidEntityStopsRefining(t *testing.T) {
	search := &fakeSearcher{fn: func(text string, et types.EntityType) ([]types.Candidate, error) {
		return []types.Candidate{{Code: "XX2", System: types.SystemSnomed, Display: text, Confidence: terminology.FuzzyConfidence}}, nil
	}}
	reason := &fakeReason{
		decideFn: func(n int) (string, error) {
			return `{"best_candidate": 0, "confidence": 0.1}`, nil
		},
		askFn: func(n int) (string, error) {
			return `{"valid": false, "rationale": "negated mention, not a codeable concept"}`, nil
		},
	}
	e := New(search, reason, zap.NewNop(), Options{})

	res, err := e.Ground(context.Background(), []types.EntityLite{
		entity("no known allergies", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	if got := res.Entities[0]; got.Method != types.GroundExpertReview {
		t.Errorf("method = %q", got.Method)
	}
	_, decides, asks := reason.counts()
	if decides != 1 || asks != 1 {
		t.Errorf("decides/asks = %d/%d, want 1/1 (loop stops on invalid)", decides, asks)
	}
	if search.callCount() != 1 {
		t.Errorf("searches = %d, want 1", search.callCount())
	}
}

func TestGroundSearchErrorAccumulates(t *testing.T) {
	search := &fakeSearcher{fn: func(text string, et types.EntityType) ([]types.Candidate, error) {
		return nil, resilience.Transientf("every provider down")
	}}
	e := New(search, &fakeReason{}, zap.NewNop(), Options{})

	res, err := e.Ground(context.Background(), []types.EntityLite{
		entity("hypertension", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("sibling isolation: batch must not fail, got %v", err)
	}
	g := res.Entities[0]
	if g.Err == "" || g.Method != types.GroundExpertReview {
		t.Errorf("entity = %+v", g)
	}
	if res.Stats.ErrorCount != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestGroundTruncation(t *testing.T) {
	search := &fakeSearcher{}
	e := New(search, &fakeReason{}, zap.NewNop(), Options{MaxEntities: 2})

	res, err := e.Ground(context.Background(), []types.EntityLite{
		entity("a", types.EntityCondition),
		entity("b", types.EntityCondition),
		entity("c", types.EntityCondition),
		entity("d", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	if len(res.Entities) != 2 || res.Stats.Truncated != 2 {
		t.Errorf("entities = %d, truncated = %d", len(res.Entities), res.Stats.Truncated)
	}
}

func TestGroundEntityDeadline(t *testing.T) {
	search := &fakeSearcher{delay: 200 * time.Millisecond}
	e := New(search, &fakeReason{}, zap.NewNop(), Options{EntityDeadline: 20 * time.Millisecond})

	res, err := e.Ground(context.Background(), []types.EntityLite{
		entity("slow lookup", types.EntityCondition),
	})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	g := res.Entities[0]
	if g.Err == "" {
		t.Error("deadline expiry should record an entity error")
	}
	if res.Stats.MaxEntityMs >= 200 {
		t.Errorf("entity ran past its deadline: %dms", res.Stats.MaxEntityMs)
	}
}

func TestGroundCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(&fakeSearcher{}, &fakeReason{}, zap.NewNop(), Options{})
	res, err := e.Ground(ctx, []types.EntityLite{
		entity("hypertension", types.EntityCondition),
	})
	if err == nil {
		t.Fatal("cancelled run should report ctx error")
	}
	if res == nil || len(res.Entities) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Entities[0].Err == "" {
		t.Error("cancelled entity should carry an error")
	}
}

func TestReconcileDomainThenConfidence(t *testing.T) {
	in := []types.Candidate{
		{Code: "C1", System: types.SystemUMLS, Confidence: 0.95},
		{Code: "S1", System: types.SystemSnomed, Confidence: 0.75},
		{Code: "I1", System: types.SystemICD10, Confidence: 0.95},
	}
	out := Reconcile(in, types.EntityCondition)
	var codes []string
	for _, c := range out {
		codes = append(codes, c.Code)
	}
	// Domain systems (SNOMED, ICD10) lead; confidence orders within.
	if codes[0] != "I1" || codes[1] != "S1" || codes[2] != "C1" {
		t.Errorf("order = %v", codes)
	}
	// Input untouched.
	if in[0].Code != "C1" {
		t.Error("Reconcile mutated its input")
	}
}

func TestReconcileStableWithinTier(t *testing.T) {
	in := []types.Candidate{
		{Code: "A", System: types.SystemSnomed, Confidence: 0.75},
		{Code: "B", System: types.SystemSnomed, Confidence: 0.75},
	}
	out := Reconcile(in, types.EntityCondition)
	if out[0].Code != "A" || out[1].Code != "B" {
		t.Errorf("equal candidates reordered: %v then %v", out[0].Code, out[1].Code)
	}
}
