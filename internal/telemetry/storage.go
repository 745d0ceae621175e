package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

const storageScopeName = "github.com/cohortforge/sieve/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in sieve.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner       storage.Storage
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	errs        metric.Int64Counter
	outboxGauge metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("sieve.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("sieve.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("sieve.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	outboxGauge, _ := m.Int64Gauge("sieve.outbox.depth",
		metric.WithDescription("Outbox events by status (snapshot from CountEventsByStatus)"),
	)
	return &InstrumentedStorage{
		inner:       s,
		tracer:      Tracer(storageScopeName),
		ops:         ops,
		dur:         dur,
		errs:        errs,
		outboxGauge: outboxGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Protocols ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateProtocol(ctx context.Context, p *types.Protocol) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", p.ID)}
	ctx, span, t := s.op(ctx, "CreateProtocol", attrs...)
	err := s.inner.CreateProtocol(ctx, p)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetProtocol(ctx context.Context, id string) (*types.Protocol, error) {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", id)}
	ctx, span, t := s.op(ctx, "GetProtocol", attrs...)
	v, err := s.inner.GetProtocol(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListProtocols(ctx context.Context, filter types.ProtocolFilter) ([]*types.Protocol, error) {
	ctx, span, t := s.op(ctx, "ListProtocols")
	v, err := s.inner.ListProtocols(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpdateProtocol(ctx context.Context, id string, updates map[string]any) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", id)}
	ctx, span, t := s.op(ctx, "UpdateProtocol", attrs...)
	err := s.inner.UpdateProtocol(ctx, id, updates)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) UpdateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sieve.protocol.id", id),
		attribute.String("sieve.protocol.status", string(next)),
		attribute.String("sieve.actor", actor),
	}
	ctx, span, t := s.op(ctx, "UpdateProtocolStatus", attrs...)
	err := s.inner.UpdateProtocolStatus(ctx, id, next, errorReason, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Criteria batches ────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateBatch(ctx context.Context, b *types.CriteriaBatch) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", b.ProtocolID)}
	ctx, span, t := s.op(ctx, "CreateBatch", attrs...)
	err := s.inner.CreateBatch(ctx, b)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetBatch(ctx context.Context, id string) (*types.CriteriaBatch, error) {
	ctx, span, t := s.op(ctx, "GetBatch")
	v, err := s.inner.GetBatch(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetActiveBatch(ctx context.Context, protocolID string) (*types.CriteriaBatch, error) {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", protocolID)}
	ctx, span, t := s.op(ctx, "GetActiveBatch", attrs...)
	v, err := s.inner.GetActiveBatch(ctx, protocolID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.batch.status", string(status))}
	ctx, span, t := s.op(ctx, "UpdateBatchStatus", attrs...)
	err := s.inner.UpdateBatchStatus(ctx, id, status)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Criteria ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateCriteria(ctx context.Context, criteria []*types.Criteria) error {
	attrs := []attribute.KeyValue{attribute.Int("sieve.criteria.count", len(criteria))}
	ctx, span, t := s.op(ctx, "CreateCriteria", attrs...)
	err := s.inner.CreateCriteria(ctx, criteria)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetCriterion(ctx context.Context, id string) (*types.Criteria, error) {
	ctx, span, t := s.op(ctx, "GetCriterion")
	v, err := s.inner.GetCriterion(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListCriteria(ctx context.Context, batchID string) ([]*types.Criteria, error) {
	ctx, span, t := s.op(ctx, "ListCriteria")
	v, err := s.inner.ListCriteria(ctx, batchID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpdateCriterion(ctx context.Context, id string, updates map[string]any) error {
	ctx, span, t := s.op(ctx, "UpdateCriterion")
	err := s.inner.UpdateCriterion(ctx, id, updates)
	s.done(ctx, span, t, err)
	return err
}

// ── Entities ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateEntities(ctx context.Context, entities []*types.Entity) error {
	attrs := []attribute.KeyValue{attribute.Int("sieve.entity.count", len(entities))}
	ctx, span, t := s.op(ctx, "CreateEntities", attrs...)
	err := s.inner.CreateEntities(ctx, entities)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListEntities(ctx context.Context, criteriaID string) ([]*types.Entity, error) {
	ctx, span, t := s.op(ctx, "ListEntities")
	v, err := s.inner.ListEntities(ctx, criteriaID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpdateEntity(ctx context.Context, id string, updates map[string]any) error {
	ctx, span, t := s.op(ctx, "UpdateEntity")
	err := s.inner.UpdateEntity(ctx, id, updates)
	s.done(ctx, span, t, err)
	return err
}

// ── Expression trees ────────────────────────────────────────────────────────

func (s *InstrumentedStorage) SaveCriterionTree(ctx context.Context, tree *types.CriterionTree) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.criterion.id", tree.CriterionID)}
	ctx, span, t := s.op(ctx, "SaveCriterionTree", attrs...)
	err := s.inner.SaveCriterionTree(ctx, tree)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetCriterionTree(ctx context.Context, criterionID string) (*types.CriterionTree, error) {
	attrs := []attribute.KeyValue{attribute.String("sieve.criterion.id", criterionID)}
	ctx, span, t := s.op(ctx, "GetCriterionTree", attrs...)
	v, err := s.inner.GetCriterionTree(ctx, criterionID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListCriterionTrees(ctx context.Context, protocolID string) ([]*types.CriterionTree, error) {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", protocolID)}
	ctx, span, t := s.op(ctx, "ListCriterionTrees", attrs...)
	v, err := s.inner.ListCriterionTrees(ctx, protocolID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) DeleteCriterionTree(ctx context.Context, criterionID string) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.criterion.id", criterionID)}
	ctx, span, t := s.op(ctx, "DeleteCriterionTree", attrs...)
	err := s.inner.DeleteCriterionTree(ctx, criterionID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Outbox ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) EnqueueEvent(ctx context.Context, ev *types.OutboxEvent) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.event.type", ev.EventType)}
	ctx, span, t := s.op(ctx, "EnqueueEvent", attrs...)
	err := s.inner.EnqueueEvent(ctx, ev)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ClaimDueEvents(ctx context.Context, workerID string, limit int) ([]*types.OutboxEvent, error) {
	attrs := []attribute.KeyValue{attribute.String("sieve.worker.id", workerID)}
	ctx, span, t := s.op(ctx, "ClaimDueEvents", attrs...)
	v, err := s.inner.ClaimDueEvents(ctx, workerID, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("sieve.event.claimed", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) MarkEventPublished(ctx context.Context, id string) error {
	ctx, span, t := s.op(ctx, "MarkEventPublished")
	err := s.inner.MarkEventPublished(ctx, id)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) MarkEventRetry(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	ctx, span, t := s.op(ctx, "MarkEventRetry")
	err := s.inner.MarkEventRetry(ctx, id, errMsg, nextAttemptAt)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) MarkEventFailed(ctx context.Context, id string, errMsg string) error {
	ctx, span, t := s.op(ctx, "MarkEventFailed")
	err := s.inner.MarkEventFailed(ctx, id, errMsg)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) MarkEventDead(ctx context.Context, id string, errMsg string) error {
	ctx, span, t := s.op(ctx, "MarkEventDead")
	err := s.inner.MarkEventDead(ctx, id, errMsg)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) RecoverStuckEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span, t := s.op(ctx, "RecoverStuckEvents")
	n, err := s.inner.RecoverStuckEvents(ctx, olderThan)
	if err == nil {
		span.SetAttributes(attribute.Int("sieve.event.recovered", n))
	}
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) ArchiveDeadLetters(ctx context.Context, ttl time.Duration) (int, error) {
	ctx, span, t := s.op(ctx, "ArchiveDeadLetters")
	n, err := s.inner.ArchiveDeadLetters(ctx, ttl)
	if err == nil {
		span.SetAttributes(attribute.Int("sieve.event.archived", n))
	}
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) CountEventsByStatus(ctx context.Context) (map[types.OutboxStatus]int, error) {
	ctx, span, t := s.op(ctx, "CountEventsByStatus")
	counts, err := s.inner.CountEventsByStatus(ctx)
	if err == nil {
		for status, n := range counts {
			s.outboxGauge.Record(ctx, int64(n),
				metric.WithAttributes(attribute.String("sieve.event.status", string(status))))
		}
	}
	s.done(ctx, span, t, err)
	return counts, err
}

// ── Checkpoints ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	attrs := []attribute.KeyValue{
		attribute.String("sieve.protocol.id", cp.ProtocolID),
		attribute.String("sieve.pipeline.node", cp.NodeName),
	}
	ctx, span, t := s.op(ctx, "SaveCheckpoint", attrs...)
	err := s.inner.SaveCheckpoint(ctx, cp)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) LatestCheckpoint(ctx context.Context, protocolID, threadID string) (*types.Checkpoint, error) {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", protocolID)}
	ctx, span, t := s.op(ctx, "LatestCheckpoint", attrs...)
	v, err := s.inner.LatestCheckpoint(ctx, protocolID, threadID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) DeleteCheckpoints(ctx context.Context, protocolID, threadID string) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.protocol.id", protocolID)}
	ctx, span, t := s.op(ctx, "DeleteCheckpoints", attrs...)
	err := s.inner.DeleteCheckpoints(ctx, protocolID, threadID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Audit ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	attrs := []attribute.KeyValue{attribute.String("sieve.audit.action", entry.Action)}
	ctx, span, t := s.op(ctx, "AppendAudit", attrs...)
	err := s.inner.AppendAudit(ctx, entry)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListAudit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
	ctx, span, t := s.op(ctx, "ListAudit")
	v, err := s.inner.ListAudit(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transactions and lifecycle ──────────────────────────────────────────────

// RunInTransaction traces the whole transaction as one span. Operations
// inside run against the raw Transaction, not the decorator.
func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
