// Package terminology grounds entity text against medical code systems:
// UMLS, SNOMED, ICD-10-CM, LOINC, RxNorm, HPO, and CPT. Each provider runs
// a tiered match ladder (exact, then word/synonym, then fuzzy) and stamps
// the winning tier's confidence on its candidates; the router fans one
// lookup across the providers configured for the entity type.
package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/types"
)

// Tier confidences. The tier that produced a candidate decides its score;
// providers do not blend in their own relevance signals.
const (
	ExactConfidence   = 0.95
	SynonymConfidence = 0.75
	FuzzyConfidence   = 0.50
)

// Provider is one terminology backend. Search returns scored candidates for
// the text, empty when the vocabulary has nothing, an error only when the
// backend itself failed. Errors must carry a class: 5xx and timeouts
// transient, 4xx and validation permanent.
type Provider interface {
	Name() string
	System() string
	Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error)
}

// CallPolicy bundles the fault handling every provider call runs through:
// bounded retry outside, circuit breaker inside, per-attempt timeout
// innermost so the breaker sees each attempt individually.
type CallPolicy struct {
	Breaker *resilience.Breaker
	Retry   resilience.RetryPolicy
	Timeout time.Duration
}

func (p CallPolicy) run(ctx context.Context, op func(ctx context.Context) error) error {
	return resilience.Retry(ctx, p.Retry, func(ctx context.Context) error {
		return p.Breaker.Do(func() error {
			return resilience.WithTimeout(ctx, p.Timeout, op)
		})
	})
}

// Normalize folds entity text for cache keys and exact-match comparison:
// lowercase, whitespace collapsed, trailing sentence punctuation dropped.
func Normalize(text string) string {
	text = strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimRight(text, ".,;:")
}

// getJSON fetches url and decodes the body into out. Transport faults are
// transient, HTTP statuses classify by code, undecodable bodies are
// permanent. Responses are capped at 4 MiB; terminology APIs returning more
// than that are broken, not generous.
func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return resilience.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resilience.Transient(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.StatusError(resp.StatusCode, "GET %s", redactURL(rawURL))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode %s response: %w", redactURL(rawURL), err))
	}
	return nil
}

// redactURL masks credential-bearing query parameters so API keys never
// reach logs or error chains.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := parsed.Query()
	if q.Has("apiKey") {
		q.Set("apiKey", "***")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
