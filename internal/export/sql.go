package export

import (
	"fmt"
	"strings"

	"github.com/cohortforge/sieve/internal/types"
)

// renderSQL emits one parameterized WHERE fragment per criterion over a
// generic observation table, then the assembled eligibility clause. Parameter
// numbering runs across the whole script, so the assembled clause executes
// as-is with the listed bindings. Output carries no timestamps and binds
// every literal, keeping scripts diffable between exports of the same batch.
func renderSQL(b *Bundle) ([]byte, error) {
	var sb strings.Builder
	binder := &sqlBinder{}

	fmt.Fprintf(&sb, "-- eligibility for protocol %s (%s)\n", b.Protocol.ID, oneLine(b.Protocol.Title))
	fmt.Fprintf(&sb, "-- batch %s, status %s\n", b.Batch.ID, b.Batch.Status)
	sb.WriteString("-- one fragment per criterion over observations o\n")

	var inclusions, exclusions []string
	for _, item := range b.Items {
		frag := sqlNode(item.root, binder)
		fmt.Fprintf(&sb, "\n-- %s (%s): %s\n%s\n",
			item.Criterion.ID, item.Criterion.CriteriaType, oneLine(item.Criterion.Text), frag)
		if item.Criterion.CriteriaType == types.Exclusion {
			exclusions = append(exclusions, frag)
		} else {
			inclusions = append(inclusions, frag)
		}
	}

	sb.WriteString("\n-- assembled eligibility clause\n")
	sb.WriteString(assembleWhere(inclusions, exclusions))
	sb.WriteString("\n")

	if len(binder.args) > 0 {
		sb.WriteString("\n-- parameters\n")
		for i, a := range binder.args {
			fmt.Fprintf(&sb, "--   $%d = %s\n", i+1, sqlLiteral(a))
		}
	}
	return []byte(sb.String()), nil
}

type sqlBinder struct {
	args []any
}

func (b *sqlBinder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func sqlNode(n *node, b *sqlBinder) string {
	if n.atom != nil {
		return sqlAtom(n, b)
	}
	if n.logic == types.LogicNot {
		return "NOT " + sqlNode(n.children[0], b)
	}
	join := " AND "
	if n.logic == types.LogicOr {
		join = " OR "
	}
	parts := make([]string, 0, len(n.children))
	for _, c := range n.children {
		parts = append(parts, sqlNode(c, b))
	}
	return "(" + strings.Join(parts, join) + ")"
}

func sqlAtom(n *node, b *sqlBinder) string {
	a := n.atom
	neg := a.Negation
	op := a.RelationOperator
	if op == types.OpNotInLast {
		// "no X in the last D" is the negation of "X within D".
		op = types.OpWithin
		neg = !neg
	}

	var conds []string
	if a.EntityConceptID != "" {
		conds = append(conds,
			"o.concept_system = "+b.bind(a.EntityConceptSystem),
			"o.concept_code = "+b.bind(a.EntityConceptID))
	} else {
		conds = append(conds, "lower(o.concept_name) = lower("+b.bind(n.displayName())+")")
	}

	switch {
	case a.ValueNumeric != nil:
		conds = append(conds, "o.value_numeric "+sqlComparison(op)+" "+b.bind(*a.ValueNumeric))
	case op == types.OpWithin && a.ValueText != "":
		conds = append(conds, "o.observed_at >= now() - ("+b.bind(a.ValueText)+")::interval")
	case op == types.OpContains && a.ValueText != "":
		conds = append(conds, "o.value_text ILIKE '%' || "+b.bind(a.ValueText)+" || '%'")
	case op == types.OpNotContains && a.ValueText != "":
		conds = append(conds, "o.value_text NOT ILIKE '%' || "+b.bind(a.ValueText)+" || '%'")
	case a.ValueText != "":
		conds = append(conds, "o.value_text "+sqlComparison(op)+" "+b.bind(a.ValueText))
	}

	if a.UnitText != "" {
		conds = append(conds, "o.unit = "+b.bind(a.UnitText))
	} else if scale, ok := strings.CutPrefix(a.UnitConceptID, "ordinal:"); ok {
		conds = append(conds, "o.value_scale = "+b.bind(scale))
	}

	expr := "EXISTS (SELECT 1 FROM observations o WHERE " + strings.Join(conds, " AND ") + ")"
	if neg {
		return "NOT " + expr
	}
	return expr
}

func sqlComparison(op types.RelationOperator) string {
	switch op {
	case types.OpNe:
		return "<>"
	case types.OpGt, types.OpGe, types.OpLt, types.OpLe:
		return string(op)
	default:
		return "="
	}
}

func assembleWhere(inclusions, exclusions []string) string {
	if len(inclusions) == 0 && len(exclusions) == 0 {
		return "TRUE"
	}
	var parts []string
	for _, frag := range inclusions {
		parts = append(parts, frag)
	}
	for _, frag := range exclusions {
		parts = append(parts, "NOT "+frag)
	}
	return strings.Join(parts, "\nAND ")
}

func sqlLiteral(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
