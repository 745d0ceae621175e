package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cohortforge/sieve/internal/types"
)

// AppendAudit writes one immutable audit record. An empty ID is assigned.
func (s *Store) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	return (&queries{ext: s.db}).appendAudit(ctx, entry)
}

func (q *queries) appendAudit(ctx context.Context, entry *types.AuditEntry) error {
	if entry.AggregateType == "" || entry.AggregateID == "" {
		return fmt.Errorf("append audit: aggregate type and id required")
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	var before, after []byte
	if len(entry.Before) > 0 {
		before = entry.Before
	}
	if len(entry.After) > 0 {
		after = entry.After
	}
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO audit_log (id, aggregate_type, aggregate_id, actor, action, before, after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		id, entry.AggregateType, entry.AggregateID, entry.Actor, entry.Action, before, after)
	if err != nil {
		return fmt.Errorf("append audit for %s/%s: %w", entry.AggregateType, entry.AggregateID, err)
	}
	return nil
}

// ListAudit returns audit records matching the filter, oldest first.
func (s *Store) ListAudit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AggregateType != "" {
		where = append(where, "aggregate_type = "+arg(filter.AggregateType))
	}
	if filter.AggregateID != "" {
		where = append(where, "aggregate_id = "+arg(filter.AggregateID))
	}
	if filter.Actor != "" {
		where = append(where, "actor = "+arg(filter.Actor))
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Limit keeps the most recent records but output stays oldest first.
	if filter.Limit > 0 {
		query = "SELECT * FROM (" + query +
			" ORDER BY created_at DESC, id DESC LIMIT " + arg(filter.Limit) +
			") t ORDER BY created_at, id"
	} else {
		query += " ORDER BY created_at, id"
	}

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	out := make([]*types.AuditEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
