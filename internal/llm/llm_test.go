package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cohortforge/sieve/internal/resilience"
)

type fakeClient struct {
	name string
	fn   func(ctx context.Context, req Request) (*Response, error)
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return f.fn(ctx, req)
}

func textClient(text string) *fakeClient {
	return &fakeClient{name: "fake", fn: func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: text, Model: "fake-1"}, nil
	}}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no tag", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go:\n{\"a\":1}\nHope that helps.", `{"a":1}`},
		{"fence with prose before", "Sure thing.\n```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
		{"no object", "I cannot answer that.", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCallStructuredDecision(t *testing.T) {
	c := textClient("```json\n{\"best_candidate\": 1, \"confidence\": 0.82, \"rationale\": \"closest match\"}\n```")

	var out struct {
		BestCandidate int     `json:"best_candidate"`
		Confidence    float64 `json:"confidence"`
		Rationale     string  `json:"rationale"`
	}
	if err := CallStructured(context.Background(), c, Request{Prompt: "pick"}, DecisionSchema, &out); err != nil {
		t.Fatalf("CallStructured: %v", err)
	}
	if out.BestCandidate != 1 || out.Confidence != 0.82 {
		t.Errorf("decision = %+v", out)
	}
}

func TestCallStructuredSchemaViolationIsPermanent(t *testing.T) {
	// confidence out of range
	c := textClient(`{"best_candidate": 0, "confidence": 1.4}`)

	var out map[string]any
	err := CallStructured(context.Background(), c, Request{}, DecisionSchema, &out)
	if err == nil {
		t.Fatal("expected schema violation")
	}
	if !resilience.IsPermanent(err) {
		t.Errorf("schema violation should be permanent, got class %v", resilience.ClassOf(err))
	}
}

func TestCallStructuredNoJSONIsPermanent(t *testing.T) {
	c := textClient("I am unable to produce structured output today.")

	var out map[string]any
	err := CallStructured(context.Background(), c, Request{}, DecisionSchema, &out)
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestCallStructuredInvalidJSONIsPermanent(t *testing.T) {
	c := textClient(`{"best_candidate": 0, "confidence":}`)

	var out map[string]any
	err := CallStructured(context.Background(), c, Request{}, DecisionSchema, &out)
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestCallStructuredPropagatesClientError(t *testing.T) {
	c := &fakeClient{name: "down", fn: func(ctx context.Context, req Request) (*Response, error) {
		return nil, resilience.Transientf("provider melting")
	}}

	var out map[string]any
	err := CallStructured(context.Background(), c, Request{}, DecisionSchema, &out)
	if !resilience.IsTransient(err) {
		t.Fatalf("client transient error should pass through, got %v", err)
	}
}

func TestExtractionSchema(t *testing.T) {
	good := `{
		"protocol_summary": "Phase 1 diabetes study",
		"criteria": [{
			"text": "Age >= 18 years",
			"criteria_type": "inclusion",
			"assertion_status": "PRESENT",
			"confidence": 0.95,
			"numeric_thresholds": [{"value": 18, "comparator": ">=", "unit": "years"}],
			"entities": [{"text": "Age", "entity_type": "Demographic"}]
		}]
	}`
	var v any
	if err := json.Unmarshal([]byte(good), &v); err != nil {
		t.Fatal(err)
	}
	if err := ExtractionSchema.Validate(v); err != nil {
		t.Errorf("valid extraction rejected: %v", err)
	}

	bad := `{"criteria": [{"text": "Age >= 18", "confidence": 0.9}]}`
	if err := json.Unmarshal([]byte(bad), &v); err != nil {
		t.Fatal(err)
	}
	if err := ExtractionSchema.Validate(v); err == nil {
		t.Error("criterion without criteria_type should be rejected")
	}
}

func TestStructureSchema(t *testing.T) {
	good := `{
		"kind": "composite",
		"logic": "AND",
		"children": [
			{"kind": "atom", "entity": "HbA1c", "operator": ">=", "value_numeric": 7},
			{"kind": "atom", "entity": "HbA1c", "operator": "<=", "value_numeric": 10}
		]
	}`
	var v any
	if err := json.Unmarshal([]byte(good), &v); err != nil {
		t.Fatal(err)
	}
	if err := StructureSchema.Validate(v); err != nil {
		t.Errorf("valid tree rejected: %v", err)
	}

	bad := `{"kind": "branch", "children": []}`
	if err := json.Unmarshal([]byte(bad), &v); err != nil {
		t.Fatal(err)
	}
	if err := StructureSchema.Validate(v); err == nil {
		t.Error("unknown node kind should be rejected")
	}
}

func TestOrdinalSchema(t *testing.T) {
	good := `{"results": [{"atom_id": "a-1", "is_ordinal": true, "scale": "NYHA"}]}`
	var v any
	if err := json.Unmarshal([]byte(good), &v); err != nil {
		t.Fatal(err)
	}
	if err := OrdinalSchema.Validate(v); err != nil {
		t.Errorf("valid ordinal result rejected: %v", err)
	}

	bad := `{"results": [{"scale": "NYHA"}]}`
	if err := json.Unmarshal([]byte(bad), &v); err != nil {
		t.Fatal(err)
	}
	if err := OrdinalSchema.Validate(v); err == nil {
		t.Error("result without atom_id should be rejected")
	}
}

func newCompatClient(t *testing.T, baseURL string, retry resilience.RetryPolicy) *OpenAICompat {
	t.Helper()
	return NewOpenAICompat(CompatConfig{
		Name:    "medgemma",
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "medgemma-4b-it",
		Breaker: resilience.NewBreaker("medgemma-test", resilience.BreakerConfig{FailureThreshold: 100}),
		Retry:   retry,
		Timeout: 5 * time.Second,
	})
}

func TestOpenAICompatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			MaxTokens int `json:"max_tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Model != "medgemma-4b-it" {
			t.Errorf("model = %q", body.Model)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Role != "user" {
			t.Errorf("messages = %+v", body.Messages)
		}
		if body.MaxTokens != 256 {
			t.Errorf("max_tokens = %d", body.MaxTokens)
		}
		fmt.Fprint(w, `{"model":"medgemma-4b-it","choices":[{"message":{"content":"{\"valid\":true}"}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`)
	}))
	defer srv.Close()

	c := newCompatClient(t, srv.URL, resilience.RetryPolicy{MaxAttempts: 1})
	resp, err := c.Complete(context.Background(), Request{
		System:    "You are a grounding assistant.",
		Prompt:    "Is this entity valid for coding?",
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"valid":true}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAICompatRetriesServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	c := newCompatClient(t, srv.URL, resilience.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond})
	resp, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q", resp.Text)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}

func TestOpenAICompatBadRequestDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newCompatClient(t, srv.URL, resilience.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond})
	_, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !resilience.IsPermanent(err) {
		t.Errorf("400 should be permanent, got class %v", resilience.ClassOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestOpenAICompatRejectsPDF(t *testing.T) {
	c := newCompatClient(t, "http://127.0.0.1:0", resilience.RetryPolicy{MaxAttempts: 1})
	_, err := c.Complete(context.Background(), Request{Prompt: "hi", PDF: []byte("%PDF-1.4")})
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("want permanent error for document input, got %v", err)
	}
}

func TestOpenAICompatMissingChoicesIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[],"usage":{}}`)
	}))
	defer srv.Close()

	c := newCompatClient(t, srv.URL, resilience.RetryPolicy{MaxAttempts: 1})
	_, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestWarmupUsesTinyRequest(t *testing.T) {
	var got Request
	c := &fakeClient{name: "fake", fn: func(ctx context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Text: "ready"}, nil
	}}
	if err := Warmup(context.Background(), c); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if got.MaxTokens == 0 || got.MaxTokens > 64 {
		t.Errorf("warmup max tokens = %d, want small bound", got.MaxTokens)
	}
	if got.Prompt == "" {
		t.Error("warmup prompt empty")
	}
}

func TestWarmupReportsFailure(t *testing.T) {
	c := &fakeClient{name: "fake", fn: func(ctx context.Context, req Request) (*Response, error) {
		return nil, errors.New("cold start still cold")
	}}
	if err := Warmup(context.Background(), c); err == nil {
		t.Fatal("expected warmup error to surface (callers decide to ignore it)")
	}
}
