// Package llm holds the language-model clients the pipeline calls: an
// Anthropic adapter for PDF extraction and an OpenAI-compatible adapter for
// the local reasoning model. Structured calls validate the reply against a
// JSON schema before unmarshaling, so nodes never parse unchecked output.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/telemetry"
)

// Request is one completion call. PDF, when set, is attached as a document
// block; adapters that cannot carry documents reject it.
type Request struct {
	System    string
	Prompt    string
	PDF       []byte
	MaxTokens int
}

// Response carries the raw reply text and token accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client is the completion capability the pipeline consumes. Calls must
// honor context cancellation and return classified errors so retry loops
// can tell provider outages from contract violations.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CallStructured completes the request and enforces schema on the reply.
// Schema and JSON violations are permanent: the model answered, the answer
// is wrong, and replaying the identical request inside the outbox retry
// budget is not worth the tokens.
func CallStructured(ctx context.Context, c Client, req Request, schema *jsonschema.Schema, out any) error {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	raw := ExtractJSON(resp.Text)
	if raw == "" {
		return resilience.Permanent(fmt.Errorf("%s reply contains no JSON", c.Name()))
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return resilience.Permanent(fmt.Errorf("%s reply is not valid JSON: %w", c.Name(), err))
	}
	if err := schema.Validate(v); err != nil {
		return resilience.Permanent(fmt.Errorf("%s reply violates schema: %w", c.Name(), err))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode %s reply: %w", c.Name(), err))
	}
	return nil
}

// ExtractJSON pulls the JSON object out of a model reply, tolerating
// markdown fences and prose around it. Returns "" when no object is found.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// Warmup fires one tiny completion to absorb provider cold start. Failures
// are the caller's to ignore; warmup is best effort.
func Warmup(ctx context.Context, c Client) error {
	_, err := c.Complete(ctx, Request{Prompt: "Reply with the single word: ready", MaxTokens: 8})
	return err
}

// llmMetrics holds lazily-initialized OTel instruments shared by adapters.
var llmMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var llmMetricsOnce sync.Once

func initLLMMetrics() {
	m := telemetry.Meter("github.com/cohortforge/sieve/llm")
	llmMetrics.inputTokens, _ = m.Int64Counter("sieve.llm.input_tokens",
		metric.WithDescription("LLM input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.outputTokens, _ = m.Int64Counter("sieve.llm.output_tokens",
		metric.WithDescription("LLM output tokens generated"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.duration, _ = m.Float64Histogram("sieve.llm.request.duration",
		metric.WithDescription("LLM request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// recordUsage feeds the shared token counters. Safe before Init; the noop
// meter swallows everything.
func recordUsage(ctx context.Context, client, model string, resp *Response, ms float64) {
	llmMetricsOnce.Do(initLLMMetrics)
	attrs := metric.WithAttributes(
		attribute.String("sieve.llm.client", client),
		attribute.String("sieve.llm.model", model),
	)
	if llmMetrics.inputTokens != nil {
		llmMetrics.inputTokens.Add(ctx, resp.InputTokens, attrs)
		llmMetrics.outputTokens.Add(ctx, resp.OutputTokens, attrs)
		llmMetrics.duration.Record(ctx, ms, attrs)
	}
}
