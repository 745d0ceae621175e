package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

const structureSystem = `You convert one clinical eligibility criterion into a boolean expression tree. Respond with a single JSON object and nothing else. A node is either {"kind":"atom", ...} or {"kind":"composite","logic":"AND|OR|NOT","children":[...]}.`

const structureMaxTokens = 2048

// structure turns each grounded criterion into an expression tree of atoms
// and composites. Criteria run concurrently under a semaphore; a malformed
// tree skips its criterion and never touches the siblings.
func (r *Runner) structure(ctx context.Context, s State) (State, error) {
	result, err := s.extraction()
	if err != nil {
		return s, err
	}
	rows, err := r.store.ListCriteria(ctx, s.BatchID)
	if err != nil {
		return s, storeErr("list criteria", err)
	}

	var work []*types.Criteria
	for _, cr := range rows {
		if cr.Conditions != nil && len(cr.Conditions.FieldMappings) > 0 {
			work = append(work, cr)
		}
	}
	if len(work) == 0 {
		r.log.Info("no structurable criteria",
			zap.String("protocol_id", s.ProtocolID), zap.String("batch_id", s.BatchID))
		return s, nil
	}

	type outcome struct {
		tree *types.TreeNode
		err  error
	}
	outcomes := make([]outcome, len(work))
	gate := resilience.NewGate(int64(r.opts.StructureConcurrency))
	var wg sync.WaitGroup
	for i, cr := range work {
		wg.Add(1)
		go func(i int, cr *types.Criteria) {
			defer wg.Done()
			release, err := gate.Acquire(ctx)
			if err != nil {
				outcomes[i] = outcome{err: err}
				return
			}
			defer release()
			tree, err := r.structureOne(ctx, cr, extractedAt(result, cr.Position))
			outcomes[i] = outcome{tree: tree, err: err}
		}(i, cr)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return s, ctx.Err()
	}

	now := time.Now().UTC()
	structured := 0
	for i, out := range outcomes {
		cr := work[i]
		if out.err != nil {
			// Skip stays local to this criterion.
			s.addErrorf("structure criterion %s: %s", cr.ID, out.err)
			r.log.Warn("criterion left unstructured",
				zap.String("criterion_id", cr.ID), zap.Error(out.err))
			continue
		}
		tree := treeRows(cr, s.ProtocolID, out.tree, now)
		snapshot, err := json.Marshal(out.tree)
		if err != nil {
			return s, fmt.Errorf("encode tree snapshot: %w", err)
		}
		err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if err := tx.SaveCriterionTree(ctx, tree); err != nil {
				return err
			}
			return tx.UpdateCriterion(ctx, cr.ID, map[string]any{
				"structured_criterion": json.RawMessage(snapshot),
			})
		})
		if err != nil {
			return s, storeErr("save criterion tree", err)
		}
		structured++
	}

	r.log.Info("criteria structured",
		zap.String("protocol_id", s.ProtocolID),
		zap.String("batch_id", s.BatchID),
		zap.Int("structured", structured),
		zap.Int("skipped", len(work)-structured))
	return s, nil
}

// extractedAt aligns a persisted criterion back to its extraction item by
// position; parse assigns positions in extraction order.
func extractedAt(result *types.ExtractionResult, pos int) *types.ExtractedCriterion {
	if pos < 0 || pos >= len(result.Criteria) {
		return nil
	}
	return &result.Criteria[pos]
}

func (r *Runner) structureOne(ctx context.Context, cr *types.Criteria, src *types.ExtractedCriterion) (*types.TreeNode, error) {
	req := llm.Request{
		System:    structureSystem,
		Prompt:    structurePrompt(cr, src),
		MaxTokens: structureMaxTokens,
	}
	var node types.TreeNode
	if err := llm.CallStructured(ctx, r.extract, req, llm.StructureSchema, &node); err != nil {
		return nil, err
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}
	return &node, nil
}

func structurePrompt(cr *types.Criteria, src *types.ExtractedCriterion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Criterion (%s): %s\n", cr.CriteriaType, cr.Text)
	if cr.AssertionStatus != "" {
		fmt.Fprintf(&b, "Assertion status: %s\n", cr.AssertionStatus)
	}
	if cr.Conditions != nil {
		b.WriteString("Grounded entities:\n")
		for _, m := range cr.Conditions.FieldMappings {
			fmt.Fprintf(&b, "- %q (%s)", m.Entity, m.EntityType)
			if m.Code != "" {
				fmt.Fprintf(&b, " code=%s system=%s", m.Code, m.System)
			}
			b.WriteString("\n")
		}
	}
	if src != nil {
		for _, t := range src.NumericThresholds {
			if t.UpperValue != nil {
				fmt.Fprintf(&b, "Numeric range: %s %g to %g %s\n", t.Comparator, t.Value, *t.UpperValue, t.Unit)
			} else {
				fmt.Fprintf(&b, "Numeric threshold: %s %g %s\n", t.Comparator, t.Value, t.Unit)
			}
		}
		if tc := src.TemporalConstraint; tc != nil {
			fmt.Fprintf(&b, "Temporal constraint: %s %s of %s\n", tc.Relation, tc.Duration, tc.ReferencePoint)
		}
	}
	b.WriteString(`
Build the expression tree:
- Atoms carry: entity (surface form), entity_domain, concept_id and concept_system when the entity list provides a code, operator, value_numeric or value_text, unit.
- Operators: = != > >= < <= within not_in_last contains not_contains.
- A range with lower and upper bounds becomes a composite AND with one atom per bound.
- Alternatives joined by "or" become a composite OR.
- An ABSENT assertion ("no history of X") becomes a single atom with negation true and operator "=".
- A temporal exclusion window uses operator "not_in_last" with the duration as value_text.
- A single condition with no logic is a bare atom, not a one-child composite.
Respond with the root node only.`)
	return b.String()
}

// treeRows flattens a validated tree into the persisted row sets in preorder,
// numbering siblings left to right.
func treeRows(cr *types.Criteria, protocolID string, root *types.TreeNode, now time.Time) *types.CriterionTree {
	tree := &types.CriterionTree{CriterionID: cr.ID}
	var walk func(n *types.TreeNode) (string, types.NodeKind)
	walk = func(n *types.TreeNode) (string, types.NodeKind) {
		if n.Kind == types.NodeAtom {
			atom := &types.AtomicCriterion{
				ID:                  uuid.NewString(),
				CriterionID:         cr.ID,
				ProtocolID:          protocolID,
				InclusionExclusion:  cr.CriteriaType,
				EntityDomain:        n.EntityDomain,
				EntityConceptID:     n.ConceptID,
				EntityConceptSystem: n.ConceptSystem,
				RelationOperator:    n.Operator,
				ValueNumeric:        n.ValueNumeric,
				ValueText:           n.ValueText,
				UnitText:            n.Unit,
				Negation:            n.Negation,
				CreatedAt:           now,
			}
			tree.Atoms = append(tree.Atoms, atom)
			return atom.ID, types.NodeAtom
		}
		comp := &types.CompositeCriterion{
			ID:            uuid.NewString(),
			CriterionID:   cr.ID,
			ProtocolID:    protocolID,
			LogicOperator: n.Logic,
			CreatedAt:     now,
		}
		tree.Composites = append(tree.Composites, comp)
		for i, c := range n.Children {
			childID, childKind := walk(c)
			tree.Relationships = append(tree.Relationships, &types.CriterionRelationship{
				ID:            uuid.NewString(),
				CriterionID:   cr.ID,
				ParentID:      comp.ID,
				ChildID:       childID,
				ChildKind:     childKind,
				ChildSequence: i,
			})
		}
		return comp.ID, types.NodeComposite
	}
	walk(root)
	return tree
}
