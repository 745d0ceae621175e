package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// SaveCriterionTree replaces a criterion's persisted expression tree in one
// transaction so readers never observe a half-written tree.
func (s *Store) SaveCriterionTree(ctx context.Context, tree *types.CriterionTree) error {
	return s.withTx(ctx, func(q *queries) error {
		return q.saveCriterionTree(ctx, tree)
	})
}

func (q *queries) saveCriterionTree(ctx context.Context, tree *types.CriterionTree) error {
	if tree.CriterionID == "" {
		return fmt.Errorf("save criterion tree: empty criterion id")
	}
	if err := q.deleteCriterionTree(ctx, tree.CriterionID); err != nil {
		return err
	}
	for _, a := range tree.Atoms {
		if _, err := q.ext.ExecContext(ctx,
			`INSERT INTO atomic_criteria (id, criterion_id, protocol_id, inclusion_exclusion, entity_domain, entity_concept_id, entity_concept_system, relation_operator, value_numeric, value_text, unit_text, unit_concept_id, negation, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())`,
			a.ID, a.CriterionID, a.ProtocolID, a.InclusionExclusion, a.EntityDomain,
			a.EntityConceptID, a.EntityConceptSystem, a.RelationOperator,
			a.ValueNumeric, a.ValueText, a.UnitText, a.UnitConceptID, a.Negation); err != nil {
			return fmt.Errorf("create atomic criterion %s: %w", a.ID, err)
		}
	}
	for _, c := range tree.Composites {
		if _, err := q.ext.ExecContext(ctx,
			`INSERT INTO composite_criteria (id, criterion_id, protocol_id, logic_operator, created_at)
			 VALUES ($1, $2, $3, $4, now())`,
			c.ID, c.CriterionID, c.ProtocolID, c.LogicOperator); err != nil {
			return fmt.Errorf("create composite criterion %s: %w", c.ID, err)
		}
	}
	for _, r := range tree.Relationships {
		if _, err := q.ext.ExecContext(ctx,
			`INSERT INTO criterion_relationships (id, criterion_id, parent_id, child_id, child_kind, child_sequence)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.CriterionID, r.ParentID, r.ChildID, r.ChildKind, r.ChildSequence); err != nil {
			return fmt.Errorf("create criterion relationship %s: %w", r.ID, err)
		}
	}
	return nil
}

// GetCriterionTree returns the persisted tree of one criterion.
func (s *Store) GetCriterionTree(ctx context.Context, criterionID string) (*types.CriterionTree, error) {
	tree, err := (&queries{ext: s.db}).collectTree(ctx, criterionID)
	if err != nil {
		return nil, err
	}
	if len(tree.Atoms) == 0 && len(tree.Composites) == 0 {
		return nil, fmt.Errorf("criterion tree %s: %w", criterionID, storage.ErrNotFound)
	}
	return tree, nil
}

func (q *queries) collectTree(ctx context.Context, criterionID string) (*types.CriterionTree, error) {
	tree := &types.CriterionTree{CriterionID: criterionID}

	var atoms []atomRow
	if err := sqlx.SelectContext(ctx, q.ext, &atoms,
		`SELECT `+atomColumns+` FROM atomic_criteria WHERE criterion_id = $1 ORDER BY id`, criterionID); err != nil {
		return nil, fmt.Errorf("list atoms for criterion %s: %w", criterionID, err)
	}
	for i := range atoms {
		tree.Atoms = append(tree.Atoms, atoms[i].toDomain())
	}

	var composites []compositeRow
	if err := sqlx.SelectContext(ctx, q.ext, &composites,
		`SELECT `+compositeColumns+` FROM composite_criteria WHERE criterion_id = $1 ORDER BY id`, criterionID); err != nil {
		return nil, fmt.Errorf("list composites for criterion %s: %w", criterionID, err)
	}
	for i := range composites {
		tree.Composites = append(tree.Composites, composites[i].toDomain())
	}

	var rels []relationshipRow
	if err := sqlx.SelectContext(ctx, q.ext, &rels,
		`SELECT `+relationshipColumns+` FROM criterion_relationships WHERE criterion_id = $1 ORDER BY parent_id, child_sequence`, criterionID); err != nil {
		return nil, fmt.Errorf("list relationships for criterion %s: %w", criterionID, err)
	}
	for i := range rels {
		tree.Relationships = append(tree.Relationships, rels[i].toDomain())
	}
	return tree, nil
}

// ListCriterionTrees returns every persisted tree under a protocol.
func (s *Store) ListCriterionTrees(ctx context.Context, protocolID string) ([]*types.CriterionTree, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.db, &ids,
		`SELECT DISTINCT criterion_id FROM (
		     SELECT criterion_id FROM atomic_criteria WHERE protocol_id = $1
		     UNION
		     SELECT criterion_id FROM composite_criteria WHERE protocol_id = $1
		 ) t ORDER BY criterion_id`, protocolID)
	if err != nil {
		return nil, fmt.Errorf("list criterion trees for protocol %s: %w", protocolID, err)
	}
	q := &queries{ext: s.db}
	out := make([]*types.CriterionTree, 0, len(ids))
	for _, id := range ids {
		tree, err := q.collectTree(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, tree)
	}
	return out, nil
}

// DeleteCriterionTree removes every node and edge of one criterion's tree.
func (s *Store) DeleteCriterionTree(ctx context.Context, criterionID string) error {
	return s.withTx(ctx, func(q *queries) error {
		return q.deleteCriterionTree(ctx, criterionID)
	})
}

func (q *queries) deleteCriterionTree(ctx context.Context, criterionID string) error {
	for _, table := range []string{"criterion_relationships", "atomic_criteria", "composite_criteria"} {
		if _, err := q.ext.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE criterion_id = $1`, criterionID); err != nil {
			return fmt.Errorf("delete criterion tree %s from %s: %w", criterionID, table, err)
		}
	}
	return nil
}
