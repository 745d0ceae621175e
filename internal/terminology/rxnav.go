package terminology

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cohortforge/sieve/internal/types"
)

const defaultRxNavBaseURL = "https://rxnav.nlm.nih.gov/REST"

// RxNav resolves medication text against RxNorm. No API key; the service
// is public. The ladder maps onto RxNav's own modes: rxcui exact search,
// rxcui normalized search, then approximateTerm.
type RxNav struct {
	name       string
	baseURL    string
	client     *http.Client
	policy     CallPolicy
	maxEntries int
}

// RxNavConfig configures the RxNorm provider.
type RxNavConfig struct {
	Name       string
	BaseURL    string
	MaxEntries int
	Policy     CallPolicy
}

// NewRxNav builds the provider.
func NewRxNav(cfg RxNavConfig) *RxNav {
	if cfg.Name == "" {
		cfg.Name = "rxnorm"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultRxNavBaseURL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10
	}
	return &RxNav{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: 0},
		policy:     cfg.Policy,
		maxEntries: cfg.MaxEntries,
	}
}

func (r *RxNav) Name() string   { return r.name }
func (r *RxNav) System() string { return types.SystemRxNorm }

type rxcuiResponse struct {
	IDGroup struct {
		Name     string   `json:"name"`
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

type approximateResponse struct {
	ApproximateGroup struct {
		Candidate []struct {
			RxCUI string `json:"rxcui"`
			Name  string `json:"name"`
			Score string `json:"score"`
		} `json:"candidate"`
	} `json:"approximateGroup"`
}

// Search walks exact, then normalized, then approximate matching.
func (r *RxNav) Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error) {
	for _, tier := range []struct {
		search     string // rxcui.json search mode: 0 exact, 1 normalized
		confidence float64
	}{
		{"0", ExactConfidence},
		{"1", SynonymConfidence},
	} {
		candidates, err := r.searchRxCUI(ctx, text, tier.search, tier.confidence)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
	}
	return r.searchApproximate(ctx, text)
}

func (r *RxNav) searchRxCUI(ctx context.Context, text, search string, confidence float64) ([]types.Candidate, error) {
	q := url.Values{}
	q.Set("name", text)
	q.Set("search", search)
	endpoint := r.baseURL + "/rxcui.json?" + q.Encode()

	var parsed rxcuiResponse
	err := r.policy.run(ctx, func(ctx context.Context) error {
		return getJSON(ctx, r.client, endpoint, &parsed)
	})
	if err != nil {
		return nil, err
	}

	display := parsed.IDGroup.Name
	if display == "" {
		display = text
	}
	candidates := make([]types.Candidate, 0, len(parsed.IDGroup.RxNormID))
	for _, id := range parsed.IDGroup.RxNormID {
		if id == "" {
			continue
		}
		candidates = append(candidates, types.Candidate{
			Code:       id,
			System:     types.SystemRxNorm,
			Display:    display,
			Confidence: confidence,
			Provider:   r.name,
		})
	}
	return candidates, nil
}

func (r *RxNav) searchApproximate(ctx context.Context, text string) ([]types.Candidate, error) {
	q := url.Values{}
	q.Set("term", text)
	q.Set("maxEntries", strconv.Itoa(r.maxEntries))
	endpoint := r.baseURL + "/approximateTerm.json?" + q.Encode()

	var parsed approximateResponse
	err := r.policy.run(ctx, func(ctx context.Context) error {
		return getJSON(ctx, r.client, endpoint, &parsed)
	})
	if err != nil {
		return nil, err
	}

	// Approximate matches repeat an rxcui once per atom; keep the first.
	seen := make(map[string]bool, len(parsed.ApproximateGroup.Candidate))
	var candidates []types.Candidate
	for _, c := range parsed.ApproximateGroup.Candidate {
		if c.RxCUI == "" || seen[c.RxCUI] {
			continue
		}
		seen[c.RxCUI] = true
		display := c.Name
		if display == "" {
			display = text
		}
		candidates = append(candidates, types.Candidate{
			Code:       c.RxCUI,
			System:     types.SystemRxNorm,
			Display:    display,
			Confidence: FuzzyConfidence,
			Provider:   r.name,
		})
	}
	return candidates, nil
}
