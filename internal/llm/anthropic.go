package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/telemetry"
)

const defaultMaxTokens = 4096

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Anthropic is the extraction client. It carries the PDF as a document
// block, so extraction reads the protocol layout instead of scraped text.
type Anthropic struct {
	client  anthropic.Client
	model   anthropic.Model
	breaker *resilience.Breaker
	retry   resilience.RetryPolicy
	timeout time.Duration
}

// NewAnthropic creates the extraction client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey. The timeout applies per attempt.
func NewAnthropic(apiKey, model string, breaker *resilience.Breaker, retry resilience.RetryPolicy, timeout time.Duration) (*Anthropic, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", errAPIKeyRequired)
	}
	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		breaker: breaker,
		retry:   retry,
		timeout: timeout,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete sends one message call, retrying transient failures through the
// shared breaker. Token usage lands on the OTel counters per attempt that
// reaches the API.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	tracer := telemetry.Tracer("github.com/cohortforge/sieve/llm")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("sieve.llm.model", string(a.model)),
		attribute.Bool("sieve.llm.has_document", len(req.PDF) > 0),
	)

	params := a.buildParams(req)

	var resp *Response
	err := resilience.Retry(ctx, a.retry, func(ctx context.Context) error {
		return a.breaker.Do(func() error {
			return resilience.WithTimeout(ctx, a.timeout, func(ctx context.Context) error {
				t0 := time.Now()
				message, err := a.client.Messages.New(ctx, params)
				if err != nil {
					return classifyAnthropic(err)
				}
				ms := float64(time.Since(t0).Milliseconds())

				if len(message.Content) == 0 {
					return resilience.Permanentf("unexpected response format: no content blocks")
				}
				content := message.Content[0]
				if content.Type != "text" {
					return resilience.Permanentf("unexpected response format: not a text block (type=%s)", content.Type)
				}

				resp = &Response{
					Text:         content.Text,
					Model:        string(a.model),
					InputTokens:  message.Usage.InputTokens,
					OutputTokens: message.Usage.OutputTokens,
				}
				recordUsage(ctx, a.Name(), string(a.model), resp, ms)
				return nil
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("sieve.llm.input_tokens", resp.InputTokens),
		attribute.Int64("sieve.llm.output_tokens", resp.OutputTokens),
	)
	return resp, nil
}

func (a *Anthropic) buildParams(req Request) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
	if len(req.PDF) > 0 {
		blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
			Data: base64.StdEncoding.EncodeToString(req.PDF),
		}))
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Prompt))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// classifyAnthropic maps SDK errors onto the retry taxonomy. Non-API errors
// pass through unchanged; the classifier's fallback already treats network
// faults as transient and cancellation as permanent.
func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if resilience.ClassifyStatus(apiErr.StatusCode) == resilience.ClassTransient {
			return resilience.Transient(err)
		}
		return resilience.Permanent(err)
	}
	return err
}
