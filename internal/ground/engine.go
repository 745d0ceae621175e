// Package ground binds extracted entities to terminology codes. Per entity
// it searches the routed providers, reconciles candidates across code
// systems, has the reasoning model pick the best binding, and walks an
// agentic refinement loop when confidence stays low. Entities that defeat
// the loop keep their best candidate and fall to expert review.
package ground

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/telemetry"
	"github.com/cohortforge/sieve/internal/terminology"
	"github.com/cohortforge/sieve/internal/types"
)

// Searcher is the candidate lookup the engine grounds through. The
// terminology router implements it.
type Searcher interface {
	Search(ctx context.Context, text string, entityType types.EntityType) ([]types.Candidate, error)
}

// Options tunes the engine. Zero values fall back to the defaults below.
type Options struct {
	Concurrency     int           // in-flight entities, default 4
	EntityDeadline  time.Duration // per-entity budget, default 120s
	MaxEntities     int           // truncate before dispatch, 0 = unlimited
	MaxIterations   int           // agentic refinement rounds, default 3
	ConfidenceFloor float64       // decisions below this refine, default 0.5
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.EntityDeadline <= 0 {
		o.EntityDeadline = 2 * time.Minute
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 3
	}
	if o.MaxIterations > len(agenticQuestions) {
		o.MaxIterations = len(agenticQuestions)
	}
	if o.ConfidenceFloor <= 0 {
		o.ConfidenceFloor = 0.5
	}
	return o
}

// Stats is the per-run telemetry aggregate.
type Stats struct {
	Dispatched    int     `json:"dispatched"`
	Skipped       int     `json:"skipped"`
	GroundedCount int     `json:"grounded_count"`
	ErrorCount    int     `json:"error_count"`
	RetryCount    int     `json:"retry_count"`
	AvgEntityMs   float64 `json:"avg_entity_ms"`
	MaxEntityMs   int64   `json:"max_entity_ms"`
	Truncated     int     `json:"truncated"`
}

// Result carries grounded entities in input order plus the run stats.
type Result struct {
	Entities []types.GroundedEntity
	Stats    Stats
}

// Engine grounds entity batches with bounded parallelism.
type Engine struct {
	search Searcher
	reason llm.Client
	gate   *resilience.Gate
	log    *zap.Logger
	opts   Options
}

// New builds an engine. The reasoning client is the medgemma endpoint; the
// searcher is normally the terminology router.
func New(search Searcher, reason llm.Client, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Engine{
		search: search,
		reason: reason,
		gate:   resilience.NewGate(int64(opts.Concurrency)),
		log:    logger.Named("ground"),
		opts:   opts,
	}
}

// Ground runs the per-entity pipeline over the batch. Results keep input
// order no matter how tasks interleave. Sibling failures never abort the
// batch; each entity settles on its own. The returned error is only ever
// a cancelled context.
func (e *Engine) Ground(ctx context.Context, entities []types.EntityLite) (*Result, error) {
	tracer := telemetry.Tracer("github.com/cohortforge/sieve/ground")
	ctx, span := tracer.Start(ctx, "ground.batch")
	defer span.End()

	truncated := 0
	if e.opts.MaxEntities > 0 && len(entities) > e.opts.MaxEntities {
		truncated = len(entities) - e.opts.MaxEntities
		entities = entities[:e.opts.MaxEntities]
		e.log.Warn("entity batch truncated",
			zap.Int("dropped", truncated), zap.Int("kept", len(entities)))
	}

	// One thrown-away call absorbs model cold start before the gather.
	if err := llm.Warmup(ctx, e.reason); err != nil {
		e.log.Warn("reasoning model warmup failed", zap.Error(err))
	}

	results := make([]types.GroundedEntity, len(entities))
	elapsed := make([]int64, len(entities))
	retries := make([]int, len(entities))

	var wg sync.WaitGroup
	for i := range entities {
		wg.Add(1)
		go func(i int, ent types.EntityLite) {
			defer wg.Done()
			release, err := e.gate.Acquire(ctx)
			if err != nil {
				results[i] = cancelledEntity(ent, err)
				return
			}
			defer release()

			t0 := time.Now()
			results[i], retries[i] = e.groundOne(ctx, ent)
			elapsed[i] = time.Since(t0).Milliseconds()
			if !results[i].Skipped {
				recordEntity(ctx, ent.EntityType, results[i].Method, elapsed[i], retries[i])
			}
		}(i, entities[i])
	}
	wg.Wait()

	stats := aggregate(results, elapsed, retries)
	stats.Truncated = truncated
	span.SetAttributes(
		attribute.Int("sieve.ground.dispatched", stats.Dispatched),
		attribute.Int("sieve.ground.grounded_count", stats.GroundedCount),
		attribute.Int("sieve.ground.error_count", stats.ErrorCount),
		attribute.Int("sieve.ground.retry_count", stats.RetryCount),
		attribute.Float64("sieve.ground.avg_entity_ms", stats.AvgEntityMs),
		attribute.Int64("sieve.ground.max_entity_ms", stats.MaxEntityMs),
		attribute.Int("sieve.ground.truncated", stats.Truncated),
	)
	e.log.Info("entity batch grounded",
		zap.Int("dispatched", stats.Dispatched),
		zap.Int("grounded", stats.GroundedCount),
		zap.Int("errors", stats.ErrorCount),
		zap.Int("retries", stats.RetryCount))

	return &Result{Entities: results, Stats: stats}, ctx.Err()
}

// groundOne runs the per-entity pipeline under the entity deadline.
// The returned retry count is the number of agentic iterations consumed.
func (e *Engine) groundOne(ctx context.Context, ent types.EntityLite) (types.GroundedEntity, int) {
	out := types.GroundedEntity{
		CriterionID: ent.CriterionID,
		Text:        ent.Text,
		EntityType:  ent.EntityType,
	}
	if ent.SkipGrounding || ent.EntityType == types.EntityDemographic {
		out.Skipped = true
		return out, 0
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.EntityDeadline)
	defer cancel()

	first := e.attempt(ctx, ent.Text, ent.EntityType)
	switch {
	case first.err != nil:
		out.Method = types.GroundExpertReview
		out.Err = first.err.Error()
		out.Candidates = first.candidates
		return out, 0
	case len(first.candidates) == 0:
		out.Method = types.GroundExpertReview
		out.Err = "no candidates from any routed provider"
		return out, 0
	case first.chosen != nil && first.confidence >= e.opts.ConfidenceFloor:
		bind(&out, first, methodForTier(first.chosen))
		return out, 0
	}

	// Low confidence: refine through the fixed question sequence. The first
	// iteration that clears the floor wins.
	best := first
	text := ent.Text
	used := 0
	for iter := 0; iter < e.opts.MaxIterations; iter++ {
		used++
		answer, err := e.ask(ctx, agenticQuestions[iter], ent, best)
		if err != nil {
			e.log.Debug("agentic question failed",
				zap.String("entity", ent.Text), zap.Int("iteration", iter), zap.Error(err))
			break
		}
		if iter == 0 && !answer.Valid {
			// The model says the mention is not codeable; broadening or
			// rephrasing an invalid entity cannot help.
			break
		}
		if answer.RefinedText != "" {
			text = answer.RefinedText
		}

		again := e.attempt(ctx, text, ent.EntityType)
		if again.err != nil {
			continue
		}
		if again.chosen != nil && again.confidence >= e.opts.ConfidenceFloor {
			bind(&out, again, types.GroundAgentic)
			return out, used
		}
		if again.chosen != nil && again.confidence > best.confidence {
			best = again
		}
	}

	// Exhausted: keep the best low-confidence binding for the reviewer.
	out.Method = types.GroundExpertReview
	if best.chosen == nil && len(best.candidates) > 0 {
		best.chosen = &best.candidates[0]
	}
	if best.chosen != nil {
		out.BestCode = best.chosen.Code
		out.System = best.chosen.System
		out.Display = best.chosen.Display
		out.Confidence = best.confidence
	}
	out.Candidates = best.candidates
	return out, used
}

// attemptOutcome is one pass through search, reconcile, and decide.
type attemptOutcome struct {
	candidates []types.Candidate
	chosen     *types.Candidate
	confidence float64
	rationale  string
	err        error
}

func (e *Engine) attempt(ctx context.Context, text string, entityType types.EntityType) attemptOutcome {
	candidates, err := e.search.Search(ctx, text, entityType)
	if err != nil {
		return attemptOutcome{err: err}
	}
	if len(candidates) == 0 {
		return attemptOutcome{}
	}
	ordered := Reconcile(candidates, entityType)

	decision, err := e.decide(ctx, text, entityType, ordered)
	if err != nil {
		return attemptOutcome{candidates: ordered, err: err}
	}
	out := attemptOutcome{
		candidates: ordered,
		confidence: decision.Confidence,
		rationale:  decision.Rationale,
	}
	if decision.BestCandidate >= 0 && decision.BestCandidate < len(ordered) {
		out.chosen = &ordered[decision.BestCandidate]
	}
	return out
}

func bind(out *types.GroundedEntity, a attemptOutcome, method types.GroundingMethod) {
	out.BestCode = a.chosen.Code
	out.System = a.chosen.System
	out.Display = a.chosen.Display
	out.Confidence = a.confidence
	out.Method = method
	out.Candidates = a.candidates
}

// methodForTier maps the winning candidate's tier back to a grounding
// method. Fuzzy-tier wins read as word/synonym; the method enum does not
// distinguish them.
func methodForTier(c *types.Candidate) types.GroundingMethod {
	if c.Confidence >= terminology.ExactConfidence {
		return types.GroundExact
	}
	return types.GroundSynonym
}

func cancelledEntity(ent types.EntityLite, err error) types.GroundedEntity {
	return types.GroundedEntity{
		CriterionID: ent.CriterionID,
		Text:        ent.Text,
		EntityType:  ent.EntityType,
		Method:      types.GroundExpertReview,
		Err:         err.Error(),
	}
}

// groundMetrics holds lazily-initialized OTel instruments for the engine.
var groundMetrics struct {
	entityDuration metric.Float64Histogram
	retries        metric.Int64Counter
}

var groundMetricsOnce sync.Once

func initGroundMetrics() {
	m := telemetry.Meter("github.com/cohortforge/sieve/ground")
	groundMetrics.entityDuration, _ = m.Float64Histogram("sieve.ground.entity.duration",
		metric.WithDescription("Per-entity grounding duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	groundMetrics.retries, _ = m.Int64Counter("sieve.ground.retries",
		metric.WithDescription("Agentic refinement iterations consumed"),
		metric.WithUnit("{iteration}"),
	)
}

// recordEntity feeds the per-entity instruments. Safe before Init; the noop
// meter swallows everything.
func recordEntity(ctx context.Context, entityType types.EntityType, method types.GroundingMethod, ms int64, retries int) {
	groundMetricsOnce.Do(initGroundMetrics)
	if groundMetrics.entityDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("sieve.ground.entity_type", string(entityType)),
		attribute.String("sieve.ground.method", string(method)),
	)
	groundMetrics.entityDuration.Record(ctx, float64(ms), attrs)
	if retries > 0 {
		groundMetrics.retries.Add(ctx, int64(retries), attrs)
	}
}

func aggregate(results []types.GroundedEntity, elapsed []int64, retries []int) Stats {
	var s Stats
	var totalMs int64
	for i, r := range results {
		if r.Skipped {
			s.Skipped++
			continue
		}
		s.Dispatched++
		totalMs += elapsed[i]
		if elapsed[i] > s.MaxEntityMs {
			s.MaxEntityMs = elapsed[i]
		}
		s.RetryCount += retries[i]
		if r.Err != "" {
			s.ErrorCount++
		} else {
			s.GroundedCount++
		}
	}
	if s.Dispatched > 0 {
		s.AvgEntityMs = float64(totalMs) / float64(s.Dispatched)
	}
	return s
}
