package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/telemetry"
)

// CompatConfig configures an OpenAI-compatible chat endpoint. The reasoning
// model (medgemma) is served this way, locally or hosted.
type CompatConfig struct {
	Name    string // client name for logs and metrics, e.g. "medgemma"
	BaseURL string
	Path    string // default /v1/chat/completions
	APIKey  string // optional; local deployments run without auth
	Model   string
	Breaker *resilience.Breaker
	Retry   resilience.RetryPolicy
	Timeout time.Duration
}

// OpenAICompat speaks the chat-completions wire format. The HTTP client
// carries no timeout of its own; deadlines come from the per-attempt wrap.
type OpenAICompat struct {
	cfg    CompatConfig
	client *http.Client
}

// NewOpenAICompat builds a chat-completions client.
func NewOpenAICompat(cfg CompatConfig) *OpenAICompat {
	cfg.Name = strings.ToLower(strings.TrimSpace(cfg.Name))
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &OpenAICompat{
		cfg:    cfg,
		client: &http.Client{Timeout: 0},
	}
}

func (c *OpenAICompat) Name() string { return c.cfg.Name }

// chatResponse is the subset of the chat-completions reply we consume.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one chat call. Document input is rejected up front; only
// the extraction client carries PDFs.
func (c *OpenAICompat) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.PDF) > 0 {
		return nil, resilience.Permanentf("%s: document input not supported", c.cfg.Name)
	}

	tracer := telemetry.Tracer("github.com/cohortforge/sieve/llm")
	ctx, span := tracer.Start(ctx, "chat.completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("sieve.llm.client", c.cfg.Name),
		attribute.String("sieve.llm.model", c.cfg.Model),
	)

	body, err := c.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.cfg.Name, err)
	}

	var resp *Response
	err = resilience.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.cfg.Breaker.Do(func() error {
			return resilience.WithTimeout(ctx, c.cfg.Timeout, func(ctx context.Context) error {
				t0 := time.Now()
				out, err := c.post(ctx, body)
				if err != nil {
					return err
				}
				resp = out
				recordUsage(ctx, c.cfg.Name, c.cfg.Model, resp, float64(time.Since(t0).Milliseconds()))
				return nil
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, err)
	}

	span.SetAttributes(
		attribute.Int64("sieve.llm.input_tokens", resp.InputTokens),
		attribute.Int64("sieve.llm.output_tokens", resp.OutputTokens),
	)
	return resp, nil
}

func (c *OpenAICompat) buildBody(req Request) ([]byte, error) {
	messages := make([]map[string]any, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})

	body := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	return json.Marshal(body)
}

func (c *OpenAICompat) post(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		// Connection failures and deadline pops land here; both retry.
		return nil, resilience.Transient(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return nil, resilience.Transient(err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, resilience.StatusError(httpResp.StatusCode, "chat.completions: %s", snippet(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resilience.Permanentf("decode chat.completions response: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, resilience.Permanentf("chat.completions response missing choices")
	}

	model := parsed.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &Response{
		Text:         parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// snippet trims an error body for log-sized messages.
func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "(empty body)"
	}
	return s
}
