package terminology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/types"
)

// DefaultRoutes maps each entity type to its provider order. Demographic
// entities route nowhere; age and sex are not terminology concepts.
func DefaultRoutes() map[types.EntityType][]string {
	return map[types.EntityType][]string{
		types.EntityMedication:  {"rxnorm", "umls"},
		types.EntityCondition:   {"snomed", "icd10", "umls"},
		types.EntityLabValue:    {"loinc", "umls"},
		types.EntityBiomarker:   {"loinc", "snomed", "umls"},
		types.EntityProcedure:   {"snomed", "cpt", "umls"},
		types.EntityPhenotype:   {"hpo", "umls"},
		types.EntityDemographic: {},
	}
}

// ExpectedSystems lists the code systems whose domain matches an entity
// type. Reconciliation prefers candidates from a matching system before
// falling back to raw confidence.
func ExpectedSystems(t types.EntityType) []string {
	switch t {
	case types.EntityMedication:
		return []string{types.SystemRxNorm}
	case types.EntityCondition:
		return []string{types.SystemSnomed, types.SystemICD10}
	case types.EntityLabValue:
		return []string{types.SystemLoinc}
	case types.EntityBiomarker:
		return []string{types.SystemLoinc, types.SystemSnomed}
	case types.EntityProcedure:
		return []string{types.SystemSnomed, types.SystemCPT}
	case types.EntityPhenotype:
		return []string{types.SystemHPO}
	default:
		return nil
	}
}

// RouterOptions tunes the router. Zero values fall back to the defaults
// noted per field.
type RouterOptions struct {
	RoutesPath    string        // YAML routing table; empty uses DefaultRoutes
	CacheTTL      time.Duration // provider-result TTL, default 5m
	CacheCapacity int           // LRU bound, default 10000
	MaxCandidates int           // per-provider cap, default 10
}

// Router fans entity lookups across the providers registered for the
// entity type, caching per-provider results. The routing table hot-reloads
// when the YAML file changes; a broken edit keeps the last good table.
type Router struct {
	log  *zap.Logger
	opts RouterOptions

	mu        sync.RWMutex
	routes    map[types.EntityType][]string
	providers map[string]Provider

	cache   *resilience.Cache[string, []types.Candidate]
	watcher *fsnotify.Watcher
}

// NewRouter builds a router, loading the routing table from opts.RoutesPath
// when set.
func NewRouter(logger *zap.Logger, opts RouterOptions) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = 10_000
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 10
	}

	r := &Router{
		log:       logger.Named("terminology"),
		opts:      opts,
		routes:    DefaultRoutes(),
		providers: make(map[string]Provider),
		cache:     resilience.NewCache[string, []types.Candidate](opts.CacheCapacity, opts.CacheTTL),
	}
	if opts.RoutesPath != "" {
		if err := r.loadRoutes(opts.RoutesPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider under its own name. Later registrations with
// the same name replace earlier ones.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoutesFor returns the provider order for an entity type.
func (r *Router) RoutesFor(t types.EntityType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route := r.routes[t]
	out := make([]string, len(route))
	copy(out, route)
	return out
}

// loadRoutes reads a YAML table shaped like the default one:
//
//	Medication: [rxnorm, umls]
//	Condition: [snomed, icd10, umls]
//
// Unknown entity types are rejected; a typo that silently unroutes a
// category would surface as mass expert_review rows much later.
func (r *Router) loadRoutes(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read routes: %w", err)
	}
	var parsed map[string][]string
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse routes %s: %w", path, err)
	}

	known := DefaultRoutes()
	routes := make(map[types.EntityType][]string, len(parsed))
	for key, providers := range parsed {
		t := types.EntityType(key)
		if _, ok := known[t]; !ok {
			return fmt.Errorf("routes %s: unknown entity type %q", path, key)
		}
		routes[t] = providers
	}

	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
	r.log.Info("routing table loaded", zap.String("path", path), zap.Int("entity_types", len(routes)))
	return nil
}

// Watch hot-reloads the routing table when its file changes. No-op without
// a RoutesPath. The watcher stops when ctx ends.
func (r *Router) Watch(ctx context.Context) error {
	if r.opts.RoutesPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("routes watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a watch
	// placed on the file itself.
	dir := filepath.Dir(r.opts.RoutesPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.watcher = watcher
	base := filepath.Base(r.opts.RoutesPath)

	go func() {
		defer func() { _ = watcher.Close() }()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.loadRoutes(r.opts.RoutesPath); err != nil {
						r.log.Warn("routing table reload failed, keeping previous table", zap.Error(err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("routes watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Search gathers candidates from every provider routed for the entity
// type, in route order, through the cache. Provider failures degrade to
// partial results; the call errors only when all routed providers failed.
// An unrouted type (Demographic) returns empty with no error.
func (r *Router) Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error) {
	route := r.RoutesFor(entityType)
	if len(route) == 0 {
		return nil, nil
	}
	normalized := Normalize(text)

	var out []types.Candidate
	var errs []error
	attempted := 0
	for _, name := range route {
		r.mu.RLock()
		p := r.providers[name]
		r.mu.RUnlock()
		if p == nil {
			r.log.Warn("route names unregistered provider",
				zap.String("provider", name), zap.String("entity_type", string(entityType)))
			continue
		}
		attempted++

		key := name + "|" + string(entityType) + "|" + normalized
		candidates, err := r.cache.GetOrFetch(ctx, key, func(ctx context.Context) ([]types.Candidate, error) {
			return p.Search(ctx, text, entityType)
		})
		if err != nil {
			r.log.Warn("provider search failed",
				zap.String("provider", name),
				zap.String("entity_type", string(entityType)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if len(candidates) > r.opts.MaxCandidates {
			candidates = candidates[:r.opts.MaxCandidates]
		}
		out = append(out, candidates...)
	}

	if len(out) == 0 && len(errs) > 0 {
		joined := errors.Join(errs...)
		for _, err := range errs {
			if resilience.IsTransient(err) {
				return nil, resilience.Transient(joined)
			}
		}
		return nil, resilience.Permanent(joined)
	}
	if attempted == 0 {
		return nil, resilience.Permanentf("no registered provider for entity type %s", entityType)
	}
	return out, nil
}

// CacheLen reports live cache entries, for tests and the status command.
func (r *Router) CacheLen() int { return r.cache.Len() }

// Close stops the file watcher if one is running.
func (r *Router) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
