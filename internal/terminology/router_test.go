package terminology

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/types"
)

type fakeProvider struct {
	name   string
	system string
	calls  atomic.Int64
	fn     func(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error)
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) System() string { return f.system }

func (f *fakeProvider) Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error) {
	f.calls.Add(1)
	return f.fn(ctx, text, entityType)
}

func staticProvider(name, system, code string) *fakeProvider {
	return &fakeProvider{name: name, system: system, fn: func(ctx context.Context, text string, et types.EntityType) ([]types.Candidate, error) {
		return []types.Candidate{{Code: code, System: system, Display: text, Confidence: ExactConfidence, Provider: name}}, nil
	}}
}

func newTestRouter(t *testing.T, opts RouterOptions) *Router {
	t.Helper()
	r, err := NewRouter(zap.NewNop(), opts)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRouterSearchGathersInRouteOrder(t *testing.T) {
	r := newTestRouter(t, RouterOptions{})
	r.Register(staticProvider("snomed", types.SystemSnomed, "73211009"))
	r.Register(staticProvider("icd10", types.SystemICD10, "E11.9"))
	r.Register(staticProvider("umls", types.SystemUMLS, "C0011860"))

	candidates, err := r.Search(context.Background(), "type 2 diabetes", types.EntityCondition)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var systems []string
	for _, c := range candidates {
		systems = append(systems, c.System)
	}
	want := []string{types.SystemSnomed, types.SystemICD10, types.SystemUMLS}
	if !reflect.DeepEqual(systems, want) {
		t.Errorf("systems = %v, want route order %v", systems, want)
	}
}

func TestRouterDemographicRoutesNowhere(t *testing.T) {
	r := newTestRouter(t, RouterOptions{})
	p := staticProvider("umls", types.SystemUMLS, "C0001779")
	r.Register(p)

	candidates, err := r.Search(context.Background(), "age", types.EntityDemographic)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("candidates = %+v, want none", candidates)
	}
	if p.calls.Load() != 0 {
		t.Error("provider called for Demographic entity")
	}
}

func TestRouterCachesProviderResults(t *testing.T) {
	r := newTestRouter(t, RouterOptions{CacheTTL: time.Minute})
	p := staticProvider("rxnorm", types.SystemRxNorm, "6809")
	r.Register(p)

	for i := 0; i < 3; i++ {
		// Same text modulo case and spacing: one cache entry.
		if _, err := r.Search(context.Background(), "  Metformin ", types.EntityMedication); err != nil {
			t.Fatalf("Search: %v", err)
		}
	}
	// rxnorm answered from cache after the first hit; umls is unregistered.
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if got := r.CacheLen(); got != 1 {
		t.Errorf("cache len = %d, want 1", got)
	}
}

func TestRouterPartialFailureReturnsSurvivors(t *testing.T) {
	r := newTestRouter(t, RouterOptions{})
	down := &fakeProvider{name: "snomed", system: types.SystemSnomed, fn: func(ctx context.Context, text string, et types.EntityType) ([]types.Candidate, error) {
		return nil, resilience.Transientf("snomed offline")
	}}
	r.Register(down)
	r.Register(staticProvider("icd10", types.SystemICD10, "I10"))
	r.Register(staticProvider("umls", types.SystemUMLS, "C0020538"))

	candidates, err := r.Search(context.Background(), "hypertension", types.EntityCondition)
	if err != nil {
		t.Fatalf("partial failure should not error, got %v", err)
	}
	if len(candidates) != 2 {
		t.Errorf("candidates = %+v, want the two healthy providers", candidates)
	}
}

func TestRouterAllProvidersFailing(t *testing.T) {
	r := newTestRouter(t, RouterOptions{})
	r.Register(&fakeProvider{name: "loinc", system: types.SystemLoinc, fn: func(ctx context.Context, text string, et types.EntityType) ([]types.Candidate, error) {
		return nil, resilience.Transientf("loinc 503")
	}})
	r.Register(&fakeProvider{name: "umls", system: types.SystemUMLS, fn: func(ctx context.Context, text string, et types.EntityType) ([]types.Candidate, error) {
		return nil, resilience.Permanentf("umls 401")
	}})

	_, err := r.Search(context.Background(), "hemoglobin a1c", types.EntityLabValue)
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	if !resilience.IsTransient(err) {
		t.Errorf("any transient member should make the join transient, got %v", resilience.ClassOf(err))
	}
}

func TestRouterCapsCandidatesPerProvider(t *testing.T) {
	r := newTestRouter(t, RouterOptions{MaxCandidates: 2})
	r.Register(&fakeProvider{name: "umls", system: types.SystemUMLS, fn: func(ctx context.Context, text string, et types.EntityType) ([]types.Candidate, error) {
		out := make([]types.Candidate, 5)
		for i := range out {
			out[i] = types.Candidate{Code: string(rune('a' + i)), System: types.SystemUMLS, Confidence: SynonymConfidence}
		}
		return out, nil
	}})

	// Phenotype routes hpo then umls; hpo is unregistered here.
	candidates, err := r.Search(context.Background(), "tall stature", types.EntityPhenotype)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 2 {
		t.Errorf("candidates = %d, want MaxCandidates cap", len(candidates))
	}
}

func writeRoutes(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRouterLoadsRoutesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	writeRoutes(t, path, "Medication: [umls]\nCondition: [icd10]\n")

	r := newTestRouter(t, RouterOptions{RoutesPath: path})
	if got := r.RoutesFor(types.EntityMedication); !reflect.DeepEqual(got, []string{"umls"}) {
		t.Errorf("Medication route = %v", got)
	}
	// Types absent from the file are unrouted, not defaulted.
	if got := r.RoutesFor(types.EntityPhenotype); len(got) != 0 {
		t.Errorf("Phenotype route = %v, want empty", got)
	}
}

func TestRouterRejectsUnknownEntityType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	writeRoutes(t, path, "Medicaton: [rxnorm]\n")

	if _, err := NewRouter(zap.NewNop(), RouterOptions{RoutesPath: path}); err == nil {
		t.Fatal("typo'd entity type should fail loading")
	}
}

func TestRouterHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	writeRoutes(t, path, "Medication: [rxnorm]\n")

	r := newTestRouter(t, RouterOptions{RoutesPath: path})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeRoutes(t, path, "Medication: [umls, rxnorm]\n")

	deadline := time.Now().Add(5 * time.Second)
	want := []string{"umls", "rxnorm"}
	for time.Now().Before(deadline) {
		if reflect.DeepEqual(r.RoutesFor(types.EntityMedication), want) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("route never reloaded, still %v", r.RoutesFor(types.EntityMedication))
}

func TestRouterKeepsTableOnBrokenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	writeRoutes(t, path, "Medication: [rxnorm]\n")

	r := newTestRouter(t, RouterOptions{RoutesPath: path})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeRoutes(t, path, "NotAnEntityType: [whatever]\n")
	time.Sleep(time.Second)

	if got := r.RoutesFor(types.EntityMedication); !reflect.DeepEqual(got, []string{"rxnorm"}) {
		t.Errorf("broken reload replaced table: %v", got)
	}
}

func TestExpectedSystems(t *testing.T) {
	if got := ExpectedSystems(types.EntityMedication); !reflect.DeepEqual(got, []string{types.SystemRxNorm}) {
		t.Errorf("Medication systems = %v", got)
	}
	if got := ExpectedSystems(types.EntityDemographic); got != nil {
		t.Errorf("Demographic systems = %v, want nil", got)
	}
}
