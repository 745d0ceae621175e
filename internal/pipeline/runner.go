// Package pipeline runs the protocol processing graph: a linear sequence of
// nodes (ingest, extract, parse, ground, persist, structure, ordinal_resolve)
// over a flat State record, with a checkpoint written after every node. A
// non-empty State.Error routes to END between nodes; transient failures are
// returned to the outbox dispatcher, whose redelivery resumes the run from
// the last checkpoint instead of starting over.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/blob"
	"github.com/cohortforge/sieve/internal/ground"
	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/telemetry"
	"github.com/cohortforge/sieve/internal/types"
)

// Deps are the capabilities the runner consumes. Extract handles the
// multimodal extraction and logic structuring calls; Reason is the smaller
// decision model grounding and ordinal detection talk to.
type Deps struct {
	Store   storage.Storage
	Blob    *blob.Resolver
	Extract llm.Client
	Reason  llm.Client
	Ground  *ground.Engine
}

// Options tune the runner. Zero values fall back to the defaults below.
type Options struct {
	// MaxCriteria truncates the extraction result before parse persists it.
	// 0 = unlimited.
	MaxCriteria int

	// MaxPDFBytes caps the document size, measured on the base64 encoding
	// the extraction API carries. Crossing 90% logs a warning; crossing the
	// cap fails the run with pdf_too_large.
	MaxPDFBytes int

	// StructureConcurrency bounds parallel criteria in the structure node.
	StructureConcurrency int

	// NodeTimeout bounds each node except ground, which gets GroundTimeout.
	NodeTimeout   time.Duration
	GroundTimeout time.Duration

	// Actor is stamped on status transitions and audit entries.
	Actor string
}

const (
	defaultMaxPDFBytes   = 32 << 20
	defaultNodeTimeout   = 5 * time.Minute
	defaultGroundTimeout = 15 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.MaxPDFBytes <= 0 {
		o.MaxPDFBytes = defaultMaxPDFBytes
	}
	if o.StructureConcurrency <= 0 {
		o.StructureConcurrency = 4
	}
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = defaultNodeTimeout
	}
	if o.GroundTimeout <= 0 {
		o.GroundTimeout = defaultGroundTimeout
	}
	if o.Actor == "" {
		o.Actor = "pipeline"
	}
	return o
}

// node is one step of the graph.
type node struct {
	name    string
	run     func(ctx context.Context, s State) (State, error)
	timeout time.Duration
}

// Runner executes the node sequence for one protocol at a time. It is safe
// for concurrent use; runs share no state beyond the injected capabilities.
type Runner struct {
	store   storage.Storage
	blob    *blob.Resolver
	extract llm.Client
	reason  llm.Client
	engine  *ground.Engine
	log     *zap.Logger
	opts    Options
	nodes   []node
}

// NewRunner wires the graph over its dependencies.
func NewRunner(deps Deps, logger *zap.Logger, opts Options) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:   deps.Store,
		blob:    deps.Blob,
		extract: deps.Extract,
		reason:  deps.Reason,
		engine:  deps.Ground,
		log:     logger.Named("pipeline"),
		opts:    opts.withDefaults(),
	}
	r.nodes = []node{
		{name: "ingest", run: r.ingest, timeout: r.opts.NodeTimeout},
		{name: "extract", run: r.extractNode, timeout: r.opts.NodeTimeout},
		{name: "parse", run: r.parse, timeout: r.opts.NodeTimeout},
		{name: "ground", run: r.groundNode, timeout: r.opts.GroundTimeout},
		{name: "persist", run: r.persist, timeout: r.opts.NodeTimeout},
		{name: "structure", run: r.structure, timeout: r.opts.NodeTimeout},
		{name: "ordinal_resolve", run: r.ordinalResolve, timeout: r.opts.NodeTimeout},
	}
	return r
}

// Run drives the state through the graph under the given checkpoint thread.
// The latest checkpoint for the thread decides where to start, so a
// redelivered trigger continues a crashed run rather than repeating it. The
// returned error means the run did not complete and should be redelivered;
// domain outcomes, including fatal ones, live on the returned State.
func (r *Runner) Run(ctx context.Context, threadID string, s State) (State, error) {
	if threadID == "" {
		threadID = ulid.Make().String()
	}
	if err := s.validate(); err != nil {
		s.Error = err.Error()
		return s, nil
	}

	start, s, done, err := r.resumePoint(ctx, threadID, s)
	if err != nil || done {
		return s, err
	}

	log := r.log.With(
		zap.String("protocol_id", s.ProtocolID),
		zap.String("thread_id", threadID))
	if start > 0 {
		log.Info("resuming run", zap.String("from_node", r.nodes[start].name))
	} else {
		log.Info("starting run", zap.String("file_uri", s.FileURI))
	}

	for i := start; i < len(r.nodes); i++ {
		n := r.nodes[i]
		began := time.Now()
		next, err := r.runNode(ctx, n, s)
		if err != nil {
			if ctx.Err() != nil || resilience.IsTransient(err) {
				// The last checkpoint stands; redelivery resumes here.
				log.Warn("node interrupted",
					zap.String("node", n.name),
					zap.Error(err))
				return s, fmt.Errorf("node %s: %w", n.name, err)
			}
			// Nodes return their state even when failing, so partial
			// effects they chose to keep (a persisted batch id, say)
			// survive into the terminal checkpoint.
			next.Error = err.Error()
			log.Error("node failed fatally",
				zap.String("node", n.name),
				zap.Error(err))
		}
		s = next
		if err := r.checkpoint(ctx, threadID, n.name, s); err != nil {
			return s, err
		}
		log.Debug("node complete",
			zap.String("node", n.name),
			zap.Duration("took", time.Since(began)))
		if s.Error != "" {
			break
		}
	}

	log.Info("run finished",
		zap.String("status", s.Status),
		zap.String("error", s.Error),
		zap.Int("partial_errors", len(s.Errors)))
	return s, nil
}

// resumePoint loads the thread's latest checkpoint. done is true when the
// checkpointed run already reached END, fatally or not; the stored state is
// returned as-is so redelivery stays a no-op.
func (r *Runner) resumePoint(ctx context.Context, threadID string, s State) (int, State, bool, error) {
	cp, err := r.store.LatestCheckpoint(ctx, s.ProtocolID, threadID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return 0, s, false, nil
	case err != nil:
		return 0, s, false, resilience.Transient(fmt.Errorf("load checkpoint: %w", err))
	}
	var prev State
	if err := json.Unmarshal(cp.State, &prev); err != nil {
		s.Error = fmt.Sprintf("corrupt checkpoint %s: %v", cp.ID, err)
		return 0, s, true, nil
	}
	idx := r.nodeIndex(cp.NodeName)
	if idx < 0 {
		s.Error = fmt.Sprintf("checkpoint %s names unknown node %q", cp.ID, cp.NodeName)
		return 0, s, true, nil
	}
	if prev.Error != "" || idx+1 >= len(r.nodes) {
		return 0, prev, true, nil
	}
	return idx + 1, prev, false, nil
}

func (r *Runner) nodeIndex(name string) int {
	for i, n := range r.nodes {
		if n.name == name {
			return i
		}
	}
	return -1
}

// runNode applies the per-node timeout, span, and panic guard. A panic is an
// unexpected node-level failure and converts to fatal like any other
// unclassified error.
func (r *Runner) runNode(ctx context.Context, n node, s State) (out State, err error) {
	tracer := telemetry.Tracer("github.com/cohortforge/sieve/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline."+n.name)
	span.SetAttributes(attribute.String("sieve.protocol_id", s.ProtocolID))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			out, err = s, fmt.Errorf("node %s panicked: %v", n.name, p)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	out = s
	err = resilience.WithTimeout(ctx, n.timeout, func(ctx context.Context) error {
		var nodeErr error
		out, nodeErr = n.run(ctx, out)
		return nodeErr
	})
	return out, err
}

// checkpoint persists the post-node state, PDF stripped. A failed write is
// an infrastructure error: the run stops and redelivery repeats the node,
// which is why every node tolerates a rerun of its own work.
func (r *Runner) checkpoint(ctx context.Context, threadID, nodeName string, s State) error {
	raw, err := s.checkpointJSON()
	if err != nil {
		return err
	}
	cp := &types.Checkpoint{
		ID:         uuid.NewString(),
		ProtocolID: s.ProtocolID,
		ThreadID:   threadID,
		NodeName:   nodeName,
		State:      raw,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		return resilience.Transient(fmt.Errorf("checkpoint %s: %w", nodeName, err))
	}
	return nil
}

// transitionTo moves the protocol unless it is already at next. Reruns of a
// node land here with the move already applied; that is not an error.
func (r *Runner) transitionTo(ctx context.Context, protocolID string, next types.ProtocolStatus, reason string) error {
	p, err := r.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return storeErr("load protocol", err)
	}
	if p.Status == next {
		return nil
	}
	if err := r.store.UpdateProtocolStatus(ctx, protocolID, next, reason, r.opts.Actor); err != nil {
		return storeErr(fmt.Sprintf("protocol %s -> %s", p.Status, next), err)
	}
	return nil
}

// storeErr classifies a storage failure for the retry path. Missing rows and
// transition violations are bugs or stale triggers and stay permanent;
// everything else is infrastructure and worth a redelivery.
func storeErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return resilience.Transient(fmt.Errorf("%s: %w", op, err))
}
