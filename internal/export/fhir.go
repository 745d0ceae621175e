package export

import (
	"encoding/json"

	"github.com/cohortforge/sieve/internal/types"
)

// renderFHIR produces a FHIR R4 Group resource with one characteristic per
// atomic constraint. Group characteristics compose by AND only, so the walk
// flattens: NOT toggles exclude, a two-sided numeric AND over one concept
// collapses into a valueRange, and an OR over atoms merges into a single
// characteristic whose codings are the alternatives. Anything richer keeps
// its atoms as separate characteristics; CIRCE is the lossless format.
func renderFHIR(b *Bundle) ([]byte, error) {
	group := fhirGroup{
		ResourceType:   "Group",
		ID:             b.Batch.ID,
		Type:           "person",
		Actual:         false,
		Name:           b.Protocol.Title + " eligibility",
		Characteristic: []fhirCharacteristic{},
	}
	for _, item := range b.Items {
		exclude := item.Criterion.CriteriaType == types.Exclusion
		group.Characteristic = append(group.Characteristic, fhirWalk(item.root, exclude)...)
	}
	return json.MarshalIndent(group, "", "  ")
}

type fhirGroup struct {
	ResourceType   string               `json:"resourceType"`
	ID             string               `json:"id"`
	Type           string               `json:"type"`
	Actual         bool                 `json:"actual"`
	Name           string               `json:"name"`
	Characteristic []fhirCharacteristic `json:"characteristic"`
}

type fhirCharacteristic struct {
	Code                 fhirCodeableConcept  `json:"code"`
	ValueCodeableConcept *fhirCodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueBoolean         *bool                `json:"valueBoolean,omitempty"`
	ValueQuantity        *fhirQuantity        `json:"valueQuantity,omitempty"`
	ValueRange           *fhirRange           `json:"valueRange,omitempty"`
	Exclude              bool                 `json:"exclude"`
}

type fhirCodeableConcept struct {
	Coding []fhirCoding `json:"coding,omitempty"`
	Text   string       `json:"text,omitempty"`
}

type fhirCoding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type fhirQuantity struct {
	Value      float64 `json:"value"`
	Comparator string  `json:"comparator,omitempty"`
	Unit       string  `json:"unit,omitempty"`
}

type fhirRange struct {
	Low  *fhirQuantity `json:"low,omitempty"`
	High *fhirQuantity `json:"high,omitempty"`
}

// fhirSystems maps terminology identifiers to canonical FHIR system URIs.
var fhirSystems = map[string]string{
	types.SystemSnomed: "http://snomed.info/sct",
	types.SystemLoinc:  "http://loinc.org",
	types.SystemRxNorm: "http://www.nlm.nih.gov/research/umls/rxnorm",
	types.SystemICD10:  "http://hl7.org/fhir/sid/icd-10-cm",
	types.SystemHPO:    "http://purl.obolibrary.org/obo/hp.owl",
	types.SystemUMLS:   "http://terminology.hl7.org/CodeSystem/umls",
	types.SystemCPT:    "http://www.ama-assn.org/go/cpt",
}

func fhirWalk(n *node, exclude bool) []fhirCharacteristic {
	if n.atom != nil {
		return []fhirCharacteristic{fhirAtom(n, exclude)}
	}
	switch n.logic {
	case types.LogicNot:
		return fhirWalk(n.children[0], !exclude)
	case types.LogicOr:
		if merged, ok := fhirAlternatives(n, exclude); ok {
			return []fhirCharacteristic{merged}
		}
	case types.LogicAnd:
		if ranged, ok := fhirRangeOf(n, exclude); ok {
			return []fhirCharacteristic{ranged}
		}
	}
	var out []fhirCharacteristic
	for _, c := range n.children {
		out = append(out, fhirWalk(c, exclude)...)
	}
	return out
}

// fhirRangeOf collapses AND(x >= a, x <= b) over one concept into a single
// valueRange characteristic.
func fhirRangeOf(n *node, exclude bool) (fhirCharacteristic, bool) {
	if len(n.children) != 2 {
		return fhirCharacteristic{}, false
	}
	lo, hi := n.children[0], n.children[1]
	if lo.atom == nil || hi.atom == nil {
		return fhirCharacteristic{}, false
	}
	if isUpperBound(lo.atom.RelationOperator) && isLowerBound(hi.atom.RelationOperator) {
		lo, hi = hi, lo
	}
	if !isLowerBound(lo.atom.RelationOperator) || !isUpperBound(hi.atom.RelationOperator) {
		return fhirCharacteristic{}, false
	}
	if lo.atom.ValueNumeric == nil || hi.atom.ValueNumeric == nil {
		return fhirCharacteristic{}, false
	}
	if lo.atom.Negation || hi.atom.Negation {
		return fhirCharacteristic{}, false
	}
	if lo.atom.EntityConceptID == "" || lo.atom.EntityConceptID != hi.atom.EntityConceptID {
		return fhirCharacteristic{}, false
	}
	return fhirCharacteristic{
		Code: fhirConcept(lo),
		ValueRange: &fhirRange{
			Low:  &fhirQuantity{Value: *lo.atom.ValueNumeric, Unit: lo.atom.UnitText},
			High: &fhirQuantity{Value: *hi.atom.ValueNumeric, Unit: hi.atom.UnitText},
		},
		Exclude: exclude,
	}, true
}

func isLowerBound(op types.RelationOperator) bool {
	return op == types.OpGe || op == types.OpGt
}

func isUpperBound(op types.RelationOperator) bool {
	return op == types.OpLe || op == types.OpLt
}

// fhirAlternatives merges OR-of-atoms into one characteristic whose codings
// list the alternatives. Mixed OR groups do not merge.
func fhirAlternatives(n *node, exclude bool) (fhirCharacteristic, bool) {
	codings := make([]fhirCoding, 0, len(n.children))
	names := ""
	for i, c := range n.children {
		if c.atom == nil || c.atom.Negation {
			return fhirCharacteristic{}, false
		}
		codings = append(codings, fhirCoding{
			System:  fhirSystems[c.atom.EntityConceptSystem],
			Code:    c.atom.EntityConceptID,
			Display: c.displayName(),
		})
		if i > 0 {
			names += " or "
		}
		names += c.displayName()
	}
	yes := true
	return fhirCharacteristic{
		Code:         fhirCodeableConcept{Coding: codings, Text: names},
		ValueBoolean: &yes,
		Exclude:      exclude,
	}, true
}

func fhirAtom(n *node, exclude bool) fhirCharacteristic {
	a := n.atom
	ch := fhirCharacteristic{
		Code:    fhirConcept(n),
		Exclude: exclude != a.Negation,
	}
	switch {
	case a.ValueNumeric != nil && a.RelationOperator == types.OpNe:
		// Quantity comparators have no inequality; invert to an excluded
		// equality instead.
		ch.ValueQuantity = &fhirQuantity{Value: *a.ValueNumeric, Unit: a.UnitText}
		ch.Exclude = !ch.Exclude
	case a.ValueNumeric != nil:
		ch.ValueQuantity = &fhirQuantity{
			Value:      *a.ValueNumeric,
			Comparator: fhirComparator(a.RelationOperator),
			Unit:       a.UnitText,
		}
	case a.RelationOperator == types.OpNotInLast && a.ValueText != "":
		ch.ValueCodeableConcept = &fhirCodeableConcept{Text: "within " + a.ValueText}
		ch.Exclude = !ch.Exclude
	case a.ValueText != "":
		text := a.ValueText
		if a.RelationOperator == types.OpWithin {
			text = "within " + text
		}
		ch.ValueCodeableConcept = &fhirCodeableConcept{Text: text}
	default:
		yes := true
		ch.ValueBoolean = &yes
	}
	return ch
}

func fhirConcept(n *node) fhirCodeableConcept {
	cc := fhirCodeableConcept{Text: n.displayName()}
	if n.atom.EntityConceptID != "" {
		cc.Coding = []fhirCoding{{
			System:  fhirSystems[n.atom.EntityConceptSystem],
			Code:    n.atom.EntityConceptID,
			Display: n.displayName(),
		}}
	}
	return cc
}

func fhirComparator(op types.RelationOperator) string {
	switch op {
	case types.OpGt, types.OpGe, types.OpLt, types.OpLe:
		return string(op)
	}
	return ""
}
