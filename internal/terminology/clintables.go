package terminology

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/types"
)

const defaultClinTablesBaseURL = "https://clinicaltables.nlm.nih.gov/api"

// ClinTables searches the NLM Clinical Table Search Service. One adapter
// covers every hosted vocabulary; the table name and result system are
// configuration. The service does word matching natively, so the ladder
// here has two rungs: rows whose display equals the query fold into the
// exact tier, everything else scores as word/synonym.
type ClinTables struct {
	name    string
	table   string
	system  string
	baseURL string
	extra   url.Values
	client  *http.Client
	policy  CallPolicy
	maxList int
}

// ClinTablesConfig configures one hosted table.
type ClinTablesConfig struct {
	Name    string
	Table   string
	System  string
	BaseURL string
	Extra   url.Values // table-specific parameters, e.g. loinc's type=question
	MaxList int
	Policy  CallPolicy
}

// NewClinTables builds a provider for one table.
func NewClinTables(cfg ClinTablesConfig) *ClinTables {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultClinTablesBaseURL
	}
	if cfg.MaxList <= 0 {
		cfg.MaxList = 10
	}
	return &ClinTables{
		name:    cfg.Name,
		table:   cfg.Table,
		system:  cfg.System,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		extra:   cfg.Extra,
		client:  &http.Client{Timeout: 0},
		policy:  cfg.Policy,
		maxList: cfg.MaxList,
	}
}

// The four tables the router names out of the box.

func NewSnomed(policy CallPolicy) *ClinTables {
	return NewClinTables(ClinTablesConfig{
		Name: "snomed", Table: "snomedct", System: types.SystemSnomed, Policy: policy,
	})
}

func NewICD10(policy CallPolicy) *ClinTables {
	return NewClinTables(ClinTablesConfig{
		Name: "icd10", Table: "icd10cm", System: types.SystemICD10, Policy: policy,
	})
}

func NewLoinc(policy CallPolicy) *ClinTables {
	return NewClinTables(ClinTablesConfig{
		Name: "loinc", Table: "loinc_items", System: types.SystemLoinc,
		Extra: url.Values{"type": []string{"question"}}, Policy: policy,
	})
}

func NewHPO(policy CallPolicy) *ClinTables {
	return NewClinTables(ClinTablesConfig{
		Name: "hpo", Table: "hpo", System: types.SystemHPO, Policy: policy,
	})
}

func (c *ClinTables) Name() string   { return c.name }
func (c *ClinTables) System() string { return c.system }

// Search queries the table once and splits the rows into tiers locally.
func (c *ClinTables) Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error) {
	q := url.Values{}
	q.Set("terms", text)
	q.Set("maxList", strconv.Itoa(c.maxList))
	for k, vs := range c.extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	endpoint := c.baseURL + "/" + c.table + "/v3/search?" + q.Encode()

	var raw []json.RawMessage
	err := c.policy.run(ctx, func(ctx context.Context) error {
		return getJSON(ctx, c.client, endpoint, &raw)
	})
	if err != nil {
		return nil, err
	}

	codes, displays, err := parseClinTables(raw)
	if err != nil {
		return nil, err
	}

	normalized := Normalize(text)
	var exact, word []types.Candidate
	for i, code := range codes {
		display := ""
		if i < len(displays) && len(displays[i]) > 0 {
			// Display rows are [code, text] pairs; take the last field so
			// tables that lead with the code still yield the term.
			display = displays[i][len(displays[i])-1]
		}
		cand := types.Candidate{
			Code:     code,
			System:   c.system,
			Display:  display,
			Provider: c.name,
		}
		if Normalize(display) == normalized {
			cand.Confidence = ExactConfidence
			exact = append(exact, cand)
		} else {
			cand.Confidence = SynonymConfidence
			word = append(word, cand)
		}
	}
	if len(exact) > 0 {
		return exact, nil
	}
	return word, nil
}

// parseClinTables unpacks the service's positional response:
// [total, [codes], extra|null, [[display fields]]].
func parseClinTables(raw []json.RawMessage) (codes []string, displays [][]string, err error) {
	if len(raw) < 4 {
		return nil, nil, resilience.Permanentf("clinical tables response has %d elements, want 4", len(raw))
	}
	if err := json.Unmarshal(raw[1], &codes); err != nil {
		return nil, nil, resilience.Permanentf("clinical tables codes: %v", err)
	}
	if err := json.Unmarshal(raw[3], &displays); err != nil {
		return nil, nil, resilience.Permanentf("clinical tables displays: %v", err)
	}
	return codes, displays, nil
}
