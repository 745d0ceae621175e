package types

import (
	"fmt"
	"strings"
)

// TreeNode is the JSON shape of one node in a structured criterion, as
// returned by the logic-structuring model and snapshotted onto
// Criteria.StructuredCriterion. A node is either an atom (Operator set) or a
// composite (Logic set with Children).
type TreeNode struct {
	Kind     NodeKind      `json:"kind"`
	Logic    LogicOperator `json:"logic,omitempty"`
	Children []*TreeNode   `json:"children,omitempty"`

	Entity        string           `json:"entity,omitempty"`
	EntityDomain  string           `json:"entity_domain,omitempty"`
	ConceptID     string           `json:"concept_id,omitempty"`
	ConceptSystem string           `json:"concept_system,omitempty"`
	Operator      RelationOperator `json:"operator,omitempty"`
	ValueNumeric  *float64         `json:"value_numeric,omitempty"`
	ValueText     string           `json:"value_text,omitempty"`
	Unit          string           `json:"unit,omitempty"`
	Negation      bool             `json:"negation,omitempty"`
}

// Validate walks the tree and enforces the structural invariants:
// NOT composites have exactly one child, AND/OR have at least two, atoms
// carry an operator and no children, and the tree is non-empty.
func (n *TreeNode) Validate() error {
	if n == nil {
		return fmt.Errorf("tree: empty")
	}
	switch n.Kind {
	case NodeAtom:
		if len(n.Children) != 0 {
			return fmt.Errorf("tree: atom with %d children", len(n.Children))
		}
		if n.Operator == "" {
			return fmt.Errorf("tree: atom %q missing operator", n.Entity)
		}
	case NodeComposite:
		switch n.Logic {
		case LogicNot:
			if len(n.Children) != 1 {
				return fmt.Errorf("tree: NOT with %d children, want 1", len(n.Children))
			}
		case LogicAnd, LogicOr:
			if len(n.Children) < 2 {
				return fmt.Errorf("tree: %s with %d children, want >= 2", n.Logic, len(n.Children))
			}
		default:
			return fmt.Errorf("tree: unknown logic operator %q", n.Logic)
		}
		for _, c := range n.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("tree: unknown node kind %q", n.Kind)
	}
	return nil
}

// CountNodes returns atom and composite counts for the whole tree.
func (n *TreeNode) CountNodes() (atoms, composites int) {
	if n == nil {
		return 0, 0
	}
	if n.Kind == NodeAtom {
		return 1, 0
	}
	composites = 1
	for _, c := range n.Children {
		a, m := c.CountNodes()
		atoms += a
		composites += m
	}
	return atoms, composites
}

// String renders a compact prefix form for logs and tests,
// e.g. AND(HbA1c >= 7, HbA1c <= 10).
func (n *TreeNode) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.Kind == NodeAtom {
		var b strings.Builder
		b.WriteString(n.Entity)
		b.WriteString(" ")
		b.WriteString(string(n.Operator))
		if n.ValueNumeric != nil {
			fmt.Fprintf(&b, " %g", *n.ValueNumeric)
		} else if n.ValueText != "" {
			b.WriteString(" ")
			b.WriteString(n.ValueText)
		}
		return b.String()
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		parts = append(parts, c.String())
	}
	return string(n.Logic) + "(" + strings.Join(parts, ", ") + ")"
}
