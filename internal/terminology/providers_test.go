package terminology

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/types"
)

func testPolicy(name string) CallPolicy {
	return CallPolicy{
		Breaker: resilience.NewBreaker(name, resilience.BreakerConfig{FailureThreshold: 100}),
		Retry:   resilience.RetryPolicy{MaxAttempts: 1},
		Timeout: 5 * time.Second,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hepatic Impairment", "hepatic impairment"},
		{"  Type 2   Diabetes.  ", "type 2 diabetes"},
		{"NYHA Class III;", "nyha class iii"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactURLMasksAPIKey(t *testing.T) {
	got := redactURL("https://uts-ws.nlm.nih.gov/rest/search/current?apiKey=secret123&string=x")
	if strings.Contains(got, "secret123") {
		t.Errorf("apiKey leaked: %s", got)
	}
	if !strings.Contains(got, "apiKey=%2A%2A%2A") && !strings.Contains(got, "apiKey=***") {
		t.Errorf("apiKey not masked: %s", got)
	}
}

func TestUMLSTierLadder(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.URL.Query().Get("apiKey"); got != "umls-key" {
			t.Errorf("apiKey = %q", got)
		}
		switch st := r.URL.Query().Get("searchType"); st {
		case "exact":
			// UTS reports an empty page as a single NONE row.
			fmt.Fprint(w, `{"result":{"results":[{"ui":"NONE","name":"NO RESULTS"}]}}`)
		case "words":
			fmt.Fprint(w, `{"result":{"results":[{"ui":"C0948807","name":"Hepatic impairment","rootSource":"SNOMEDCT_US"}]}}`)
		default:
			t.Errorf("unexpected searchType %q", st)
			fmt.Fprint(w, `{"result":{"results":[]}}`)
		}
	}))
	defer srv.Close()

	u := NewUMLS(UMLSConfig{BaseURL: srv.URL, APIKey: "umls-key", Policy: testPolicy("umls-test")})
	candidates, err := u.Search(context.Background(), "hepatic impairment", types.EntityCondition)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	c := candidates[0]
	if c.Code != "C0948807" || c.System != types.SystemUMLS || c.Confidence != SynonymConfidence {
		t.Errorf("candidate = %+v", c)
	}
	if c.Provider != "umls" {
		t.Errorf("provider = %q", c.Provider)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2 (exact then words)", got)
	}
}

func TestUMLSCPTVariant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("sabs") != "CPT" {
			t.Errorf("sabs = %q", q.Get("sabs"))
		}
		if q.Get("returnIdType") != "code" {
			t.Errorf("returnIdType = %q", q.Get("returnIdType"))
		}
		fmt.Fprint(w, `{"result":{"results":[{"ui":"93000","name":"Electrocardiogram","rootSource":"CPT"}]}}`)
	}))
	defer srv.Close()

	cpt := NewUMLS(UMLSConfig{
		Name: "cpt", System: types.SystemCPT, Sabs: "CPT",
		BaseURL: srv.URL, APIKey: "umls-key", Policy: testPolicy("cpt-test"),
	})
	candidates, err := cpt.Search(context.Background(), "electrocardiogram", types.EntityProcedure)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("no candidates")
	}
	if candidates[0].Code != "93000" || candidates[0].System != types.SystemCPT {
		t.Errorf("candidate = %+v", candidates[0])
	}
	if candidates[0].Confidence != ExactConfidence {
		t.Errorf("confidence = %v, want exact tier", candidates[0].Confidence)
	}
}

func TestUMLSServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusBadGateway)
	}))
	defer srv.Close()

	u := NewUMLS(UMLSConfig{BaseURL: srv.URL, APIKey: "k", Policy: testPolicy("umls-err")})
	_, err := u.Search(context.Background(), "anything", types.EntityCondition)
	if err == nil || !resilience.IsTransient(err) {
		t.Fatalf("want transient error, got %v", err)
	}
}

func TestClinTablesExactTierWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/icd10cm/v3/search") {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `[2,["E11.9","E11.65"],null,[["E11.9","Type 2 diabetes mellitus"],["E11.65","Type 2 diabetes mellitus with hyperglycemia"]]]`)
	}))
	defer srv.Close()

	p := NewClinTables(ClinTablesConfig{
		Name: "icd10", Table: "icd10cm", System: types.SystemICD10,
		BaseURL: srv.URL, Policy: testPolicy("icd10-test"),
	})
	candidates, err := p.Search(context.Background(), "Type 2 Diabetes Mellitus", types.EntityCondition)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %+v, want only the exact row", candidates)
	}
	if candidates[0].Code != "E11.9" || candidates[0].Confidence != ExactConfidence {
		t.Errorf("candidate = %+v", candidates[0])
	}
}

func TestClinTablesWordTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[1,["38341003"],null,[["38341003","Hypertensive disorder, systemic arterial"]]]`)
	}))
	defer srv.Close()

	p := NewSnomed(testPolicy("snomed-test"))
	p.baseURL = srv.URL
	candidates, err := p.Search(context.Background(), "hypertension", types.EntityCondition)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Confidence != SynonymConfidence {
		t.Errorf("candidates = %+v, want one word-tier match", candidates)
	}
	if candidates[0].System != types.SystemSnomed {
		t.Errorf("system = %q", candidates[0].System)
	}
}

func TestClinTablesMalformedResponseIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[3]`)
	}))
	defer srv.Close()

	p := NewHPO(testPolicy("hpo-test"))
	p.baseURL = srv.URL
	_, err := p.Search(context.Background(), "short stature", types.EntityPhenotype)
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestRxNavExactTier(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/rxcui.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("search"); got != "0" {
			t.Errorf("search mode = %q, want exact first", got)
		}
		fmt.Fprint(w, `{"idGroup":{"name":"metformin","rxnormId":["6809"]}}`)
	}))
	defer srv.Close()

	p := NewRxNav(RxNavConfig{BaseURL: srv.URL, Policy: testPolicy("rxnav-test")})
	candidates, err := p.Search(context.Background(), "metformin", types.EntityMedication)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d", len(candidates))
	}
	c := candidates[0]
	if c.Code != "6809" || c.System != types.SystemRxNorm || c.Confidence != ExactConfidence {
		t.Errorf("candidate = %+v", c)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestRxNavFallsThroughToApproximate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rxcui.json":
			fmt.Fprint(w, `{"idGroup":{"name":"","rxnormId":[]}}`)
		case "/approximateTerm.json":
			// Same rxcui twice under different atoms; expect a single candidate.
			fmt.Fprint(w, `{"approximateGroup":{"candidate":[
				{"rxcui":"6809","name":"metformin","score":"71","rank":"1"},
				{"rxcui":"6809","name":"METFORMIN","score":"71","rank":"2"},
				{"rxcui":"861007","name":"metformin hydrochloride","score":"67","rank":"3"}
			]}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewRxNav(RxNavConfig{BaseURL: srv.URL, Policy: testPolicy("rxnav-approx")})
	candidates, err := p.Search(context.Background(), "metfornin", types.EntityMedication)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates = %+v, want rxcui-deduped pair", candidates)
	}
	for _, c := range candidates {
		if c.Confidence != FuzzyConfidence {
			t.Errorf("confidence = %v, want fuzzy tier", c.Confidence)
		}
	}
}
