package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// CreateProtocol inserts a new protocol row.
func (s *Store) CreateProtocol(ctx context.Context, p *types.Protocol) error {
	return (&queries{ext: s.db}).createProtocol(ctx, p)
}

func (q *queries) createProtocol(ctx context.Context, p *types.Protocol) error {
	var meta []byte
	if p.Metadata != nil {
		var err error
		meta, err = json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("encode protocol metadata: %w", err)
		}
	}
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO protocols (id, title, file_uri, status, page_count, quality_score, error_reason, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())`,
		p.ID, p.Title, p.FileURI, p.Status, p.PageCount, p.QualityScore, p.ErrorReason, meta)
	if err != nil {
		return fmt.Errorf("create protocol %s: %w", p.ID, err)
	}
	return nil
}

// GetProtocol returns one protocol by id.
func (s *Store) GetProtocol(ctx context.Context, id string) (*types.Protocol, error) {
	return (&queries{ext: s.db}).getProtocol(ctx, id)
}

func (q *queries) getProtocol(ctx context.Context, id string) (*types.Protocol, error) {
	var row protocolRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+protocolColumns+` FROM protocols WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("protocol %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol %s: %w", id, err)
	}
	return row.toDomain()
}

// ListProtocols returns protocols matching the filter, newest first.
func (s *Store) ListProtocols(ctx context.Context, filter types.ProtocolFilter) ([]*types.Protocol, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.IncludeArchived {
		where = append(where, fmt.Sprintf("status <> %s", arg(types.StatusArchived)))
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = arg(st)
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.Search != "" {
		where = append(where, fmt.Sprintf("title ILIKE %s", arg("%"+filter.Search+"%")))
	}

	query := `SELECT ` + protocolColumns + ` FROM protocols`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", arg(filter.Limit))
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %s", arg(filter.Offset))
	}

	var rows []protocolRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	out := make([]*types.Protocol, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// protocolUpdateColumns maps update keys to their columns. Status is absent
// on purpose; status moves go through UpdateProtocolStatus.
var protocolUpdateColumns = map[string]string{
	"title":         "title",
	"page_count":    "page_count",
	"quality_score": "quality_score",
	"error_reason":  "error_reason",
	"metadata":      "metadata",
}

// UpdateProtocol applies field updates to a protocol.
func (s *Store) UpdateProtocol(ctx context.Context, id string, updates map[string]any) error {
	return (&queries{ext: s.db}).updateProtocol(ctx, id, updates)
}

func (q *queries) updateProtocol(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	var (
		sets []string
		args []any
	)
	for key, val := range updates {
		col, ok := protocolUpdateColumns[key]
		if !ok {
			if key == "status" {
				return fmt.Errorf("update protocol %s: status updates must use UpdateProtocolStatus", id)
			}
			return fmt.Errorf("update protocol %s: unknown field %q", id, key)
		}
		if key == "metadata" {
			m, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("update protocol %s: metadata must be map", id)
			}
			b, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode protocol metadata: %w", err)
			}
			val = b
		}
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE protocols SET %s, updated_at = now() WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update protocol %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("protocol %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// UpdateProtocolStatus moves a protocol through the state machine and
// records the move in the audit log, atomically.
func (s *Store) UpdateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error {
	return s.withTx(ctx, func(q *queries) error {
		return q.updateProtocolStatus(ctx, id, next, errorReason, actor)
	})
}

func (q *queries) updateProtocolStatus(ctx context.Context, id string, next types.ProtocolStatus, errorReason, actor string) error {
	var current string
	err := sqlx.GetContext(ctx, q.ext, &current,
		`SELECT status FROM protocols WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("protocol %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock protocol %s: %w", id, err)
	}
	if !types.ProtocolStatus(current).CanTransitionTo(next) {
		return fmt.Errorf("protocol %s: %s -> %s: %w", id, current, next, storage.ErrInvalidTransition)
	}

	if _, err := q.ext.ExecContext(ctx,
		`UPDATE protocols SET status = $1, error_reason = $2, updated_at = now() WHERE id = $3`,
		next, errorReason, id); err != nil {
		return fmt.Errorf("update protocol %s status: %w", id, err)
	}

	before, _ := json.Marshal(map[string]string{"status": current})
	after, _ := json.Marshal(map[string]string{"status": string(next)})
	return q.appendAudit(ctx, &types.AuditEntry{
		AggregateType: "protocol",
		AggregateID:   id,
		Actor:         actor,
		Action:        "status_change",
		Before:        before,
		After:         after,
	})
}
