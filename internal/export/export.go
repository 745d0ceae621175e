// Package export renders a reviewed criteria batch into downstream formats:
// an OHDSI CIRCE-style cohort definition, a FHIR Group resource, or a
// parameterized SQL WHERE clause per criterion.
//
// All renderers walk the persisted expression trees in child_sequence order
// rather than the structured_criterion snapshot: the persisted rows are the
// authority, and ordinal resolution annotates them after the snapshot is
// taken. The snapshot only contributes entity surface forms for display.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// Formats understood by Render.
const (
	FormatCirce = "circe"
	FormatFHIR  = "fhir"
	FormatSQL   = "sql"
)

// ErrUnknownFormat is returned for a format Render does not support.
var ErrUnknownFormat = errors.New("unknown export format")

// ErrBatchNotApproved is returned when the batch has not passed review and
// the caller did not opt into a pending export.
var ErrBatchNotApproved = errors.New("batch not approved")

// Formats lists the supported format names in stable order.
func Formats() []string {
	return []string{FormatCirce, FormatFHIR, FormatSQL}
}

// Bundle is everything a renderer needs: the protocol, the batch, and one
// item per renderable criterion with its rebuilt expression tree.
type Bundle struct {
	Protocol *types.Protocol
	Batch    *types.CriteriaBatch
	Items    []Item

	// Skipped lists criteria that carry no persisted tree (grounding or
	// structuring never reached them). They need manual handling downstream.
	Skipped []string
}

// Item pairs a criterion with the root of its rebuilt tree.
type Item struct {
	Criterion *types.Criteria
	root      *node
}

// node is the rendering view of one tree node: either an atom row or a
// logical composite over ordered children. The entity surface form comes from
// the structured_criterion snapshot when the shapes still agree.
type node struct {
	atom     *types.AtomicCriterion
	logic    types.LogicOperator
	children []*node
	entity   string
}

// Load assembles the bundle for one batch. Rejected criteria are excluded;
// criteria without a persisted tree are recorded in Skipped. Unless
// allowPending is set the batch must be approved.
func Load(ctx context.Context, store storage.Storage, batchID string, allowPending bool) (*Bundle, error) {
	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != types.BatchApproved && !allowPending {
		return nil, fmt.Errorf("export batch %s: %w (status %s)", batchID, ErrBatchNotApproved, batch.Status)
	}
	protocol, err := store.GetProtocol(ctx, batch.ProtocolID)
	if err != nil {
		return nil, err
	}
	criteria, err := store.ListCriteria(ctx, batchID)
	if err != nil {
		return nil, err
	}

	b := &Bundle{Protocol: protocol, Batch: batch}
	for _, cr := range criteria {
		if cr.ReviewStatus == types.ReviewRejected {
			continue
		}
		tree, err := store.GetCriterionTree(ctx, cr.ID)
		if errors.Is(err, storage.ErrNotFound) {
			b.Skipped = append(b.Skipped, cr.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		root, err := buildNode(tree)
		if err != nil {
			return nil, fmt.Errorf("criterion %s: %w", cr.ID, err)
		}
		hydrate(root, snapshotNode(cr))
		b.Items = append(b.Items, Item{Criterion: cr, root: root})
	}
	return b, nil
}

// Render produces the serialized export for one format.
func Render(format string, b *Bundle) ([]byte, error) {
	switch format {
	case FormatCirce:
		return renderCirce(b)
	case FormatFHIR:
		return renderFHIR(b)
	case FormatSQL:
		return renderSQL(b)
	default:
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownFormat, format, strings.Join(Formats(), ", "))
	}
}

// Edges deeper than this indicate a corrupt (cyclic) tree.
const maxTreeDepth = 32

// buildNode rebuilds the expression tree from persisted rows, ordering
// siblings by child_sequence. Single-atom criteria have no composite at all.
func buildNode(tree *types.CriterionTree) (*node, error) {
	atoms := make(map[string]*types.AtomicCriterion, len(tree.Atoms))
	for _, a := range tree.Atoms {
		atoms[a.ID] = a
	}
	comps := make(map[string]*types.CompositeCriterion, len(tree.Composites))
	for _, c := range tree.Composites {
		comps[c.ID] = c
	}
	children := make(map[string][]*types.CriterionRelationship, len(comps))
	for _, r := range tree.Relationships {
		children[r.ParentID] = append(children[r.ParentID], r)
	}
	for _, rs := range children {
		sort.Slice(rs, func(i, j int) bool { return rs[i].ChildSequence < rs[j].ChildSequence })
	}

	var build func(id string, kind types.NodeKind, depth int) (*node, error)
	build = func(id string, kind types.NodeKind, depth int) (*node, error) {
		if depth > maxTreeDepth {
			return nil, fmt.Errorf("tree deeper than %d levels", maxTreeDepth)
		}
		if kind == types.NodeAtom {
			a, ok := atoms[id]
			if !ok {
				return nil, fmt.Errorf("edge references missing atom %s", id)
			}
			return &node{atom: a}, nil
		}
		c, ok := comps[id]
		if !ok {
			return nil, fmt.Errorf("edge references missing composite %s", id)
		}
		n := &node{logic: c.LogicOperator}
		for _, r := range children[id] {
			child, err := build(r.ChildID, r.ChildKind, depth+1)
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, child)
		}
		if len(n.children) == 0 {
			return nil, fmt.Errorf("composite %s has no children", id)
		}
		return n, nil
	}

	if root := tree.RootComposite(); root != nil {
		return build(root.ID, types.NodeComposite, 0)
	}
	if len(tree.Atoms) == 1 {
		return &node{atom: tree.Atoms[0]}, nil
	}
	return nil, fmt.Errorf("no root composite over %d atoms", len(tree.Atoms))
}

func snapshotNode(cr *types.Criteria) *types.TreeNode {
	if len(cr.StructuredCriterion) == 0 {
		return nil
	}
	var snap types.TreeNode
	if err := json.Unmarshal(cr.StructuredCriterion, &snap); err != nil {
		return nil
	}
	return &snap
}

// hydrate copies entity surface forms from the snapshot onto the rebuilt
// tree. It walks both in lockstep and stops quietly wherever the shapes have
// diverged; names are display sugar, not structure.
func hydrate(n *node, snap *types.TreeNode) {
	if n == nil || snap == nil {
		return
	}
	if n.atom != nil {
		if snap.Kind == types.NodeAtom {
			n.entity = snap.Entity
		}
		return
	}
	if snap.Kind != types.NodeComposite || len(snap.Children) != len(n.children) {
		return
	}
	for i := range n.children {
		hydrate(n.children[i], snap.Children[i])
	}
}

// displayName is the best available label for an atom: snapshot surface
// form, then concept id, then domain.
func (n *node) displayName() string {
	if n.entity != "" {
		return n.entity
	}
	if n.atom != nil {
		if n.atom.EntityConceptID != "" {
			return n.atom.EntityConceptID
		}
		if n.atom.EntityDomain != "" {
			return n.atom.EntityDomain
		}
	}
	return "unnamed"
}

// eachAtom visits every atom under n in sibling order.
func (n *node) eachAtom(fn func(*node)) {
	if n == nil {
		return
	}
	if n.atom != nil {
		fn(n)
		return
	}
	for _, c := range n.children {
		c.eachAtom(fn)
	}
}
