package terminology

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cohortforge/sieve/internal/types"
)

const defaultUMLSBaseURL = "https://uts-ws.nlm.nih.gov/rest"

// UMLS searches the UTS Metathesaurus. The same adapter backs the cpt
// provider: restricting sabs to CPT and returning source-asserted codes
// turns the concept search into a CPT lookup without a second client.
type UMLS struct {
	name     string
	system   string
	baseURL  string
	apiKey   string
	sabs     string
	client   *http.Client
	policy   CallPolicy
	pageSize int
}

// UMLSConfig configures a UTS-backed provider.
type UMLSConfig struct {
	Name     string // registry name, default "umls"
	System   string // code system stamped on candidates, default UMLS
	BaseURL  string
	APIKey   string
	Sabs     string // optional source-vocabulary filter, e.g. "CPT"
	PageSize int
	Policy   CallPolicy
}

// NewUMLS builds the provider. With Sabs set, results carry the source
// vocabulary's own codes instead of CUIs.
func NewUMLS(cfg UMLSConfig) *UMLS {
	if cfg.Name == "" {
		cfg.Name = "umls"
	}
	if cfg.System == "" {
		cfg.System = types.SystemUMLS
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultUMLSBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	return &UMLS{
		name:     cfg.Name,
		system:   cfg.System,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		sabs:     cfg.Sabs,
		client:   &http.Client{Timeout: 0},
		policy:   cfg.Policy,
		pageSize: cfg.PageSize,
	}
}

func (u *UMLS) Name() string   { return u.name }
func (u *UMLS) System() string { return u.system }

// utsSearchResponse is the subset of the UTS search result we consume.
type utsSearchResponse struct {
	Result struct {
		Results []struct {
			UI         string `json:"ui"`
			Name       string `json:"name"`
			RootSource string `json:"rootSource"`
		} `json:"results"`
	} `json:"result"`
}

// Search walks the tier ladder: searchType exact, then words, then
// approximate. The first tier with results wins and prices every candidate.
func (u *UMLS) Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error) {
	tiers := []struct {
		searchType string
		confidence float64
	}{
		{"exact", ExactConfidence},
		{"words", SynonymConfidence},
		{"approximate", FuzzyConfidence},
	}
	for _, tier := range tiers {
		candidates, err := u.searchTier(ctx, text, tier.searchType, tier.confidence)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
	}
	return nil, nil
}

func (u *UMLS) searchTier(ctx context.Context, text, searchType string, confidence float64) ([]types.Candidate, error) {
	q := url.Values{}
	q.Set("string", text)
	q.Set("searchType", searchType)
	q.Set("pageSize", strconv.Itoa(u.pageSize))
	q.Set("apiKey", u.apiKey)
	if u.sabs != "" {
		q.Set("sabs", u.sabs)
		q.Set("returnIdType", "code")
	}
	endpoint := u.baseURL + "/search/current?" + q.Encode()

	var parsed utsSearchResponse
	err := u.policy.run(ctx, func(ctx context.Context) error {
		return getJSON(ctx, u.client, endpoint, &parsed)
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]types.Candidate, 0, len(parsed.Result.Results))
	for _, r := range parsed.Result.Results {
		// UTS reports an empty page as a single sentinel row.
		if r.UI == "" || r.UI == "NONE" {
			continue
		}
		candidates = append(candidates, types.Candidate{
			Code:       r.UI,
			System:     u.system,
			Display:    r.Name,
			Confidence: confidence,
			Provider:   u.name,
		})
	}
	return candidates, nil
}
