package export

import (
	"encoding/json"
	"strings"

	"github.com/cohortforge/sieve/internal/types"
)

// circeDefinition is the OHDSI cohort-definition shape Atlas accepts:
// concept sets referenced by id from inclusion rules, one rule per criterion.
type circeDefinition struct {
	Title           string            `json:"Title"`
	CDMVersionRange string            `json:"cdmVersionRange"`
	ConceptSets     []circeConceptSet `json:"ConceptSets"`
	InclusionRules  []circeRule       `json:"InclusionRules"`
}

type circeConceptSet struct {
	ID         int              `json:"id"`
	Name       string           `json:"name"`
	Expression circeConceptExpr `json:"expression"`
}

type circeConceptExpr struct {
	Items []circeConceptItem `json:"items"`
}

type circeConceptItem struct {
	Concept circeConcept `json:"concept"`
}

type circeConcept struct {
	ConceptCode  string `json:"CONCEPT_CODE"`
	ConceptName  string `json:"CONCEPT_NAME"`
	VocabularyID string `json:"VOCABULARY_ID"`
	DomainID     string `json:"DOMAIN_ID,omitempty"`
}

type circeRule struct {
	Name       string      `json:"name"`
	Expression *circeGroup `json:"expression"`
}

// circeGroup is a boolean group: ALL for AND, ANY for OR, and AT_MOST with
// count 0 for NOT ("none of the following").
type circeGroup struct {
	Type         string          `json:"Type"`
	Count        *int            `json:"Count,omitempty"`
	CriteriaList []circeCriteria `json:"CriteriaList"`
	Groups       []*circeGroup   `json:"Groups"`
}

type circeCriteria struct {
	Entity        string       `json:"Entity,omitempty"`
	Domain        string       `json:"Domain,omitempty"`
	CodesetID     *int         `json:"CodesetId,omitempty"`
	ValueAsNumber *circeNumber `json:"ValueAsNumber,omitempty"`
	ValueAsString *circeString `json:"ValueAsString,omitempty"`
	Unit          string       `json:"Unit,omitempty"`
	OrdinalScale  string       `json:"OrdinalScale,omitempty"`
	Negated       bool         `json:"Negated,omitempty"`
}

type circeNumber struct {
	Value float64 `json:"Value"`
	Op    string  `json:"Op"`
}

type circeString struct {
	Value string `json:"Value"`
	Op    string `json:"Op"`
}

var circeNumericOps = map[types.RelationOperator]string{
	types.OpEq: "eq",
	types.OpNe: "neq",
	types.OpGt: "gt",
	types.OpGe: "gte",
	types.OpLt: "lt",
	types.OpLe: "lte",
}

func renderCirce(b *Bundle) ([]byte, error) {
	sets := newConceptSets()
	def := circeDefinition{
		Title:           b.Protocol.Title,
		CDMVersionRange: ">=5.0.0",
		ConceptSets:     []circeConceptSet{},
		InclusionRules:  []circeRule{},
	}
	for _, item := range b.Items {
		group := circeGroupFrom(item.root, sets)
		if item.Criterion.CriteriaType == types.Exclusion {
			group = circeNone(group)
		}
		def.InclusionRules = append(def.InclusionRules, circeRule{
			Name:       item.Criterion.Text,
			Expression: group,
		})
	}
	def.ConceptSets = sets.ordered()
	return json.MarshalIndent(def, "", "  ")
}

// circeGroupFrom lowers one tree node into a group. A bare atom becomes an
// ALL group of one so every rule expression is a group, matching Atlas.
func circeGroupFrom(n *node, sets *conceptSets) *circeGroup {
	if n.atom != nil {
		return &circeGroup{
			Type:         "ALL",
			CriteriaList: []circeCriteria{circeAtom(n, sets)},
			Groups:       []*circeGroup{},
		}
	}
	if n.logic == types.LogicNot {
		return circeNone(circeGroupFrom(n.children[0], sets))
	}
	g := &circeGroup{
		Type:         "ALL",
		CriteriaList: []circeCriteria{},
		Groups:       []*circeGroup{},
	}
	if n.logic == types.LogicOr {
		g.Type = "ANY"
	}
	for _, c := range n.children {
		if c.atom != nil {
			g.CriteriaList = append(g.CriteriaList, circeAtom(c, sets))
		} else {
			g.Groups = append(g.Groups, circeGroupFrom(c, sets))
		}
	}
	return g
}

// circeNone wraps a group in "at most 0 of", the Atlas idiom for NOT and for
// exclusion criteria.
func circeNone(inner *circeGroup) *circeGroup {
	zero := 0
	return &circeGroup{
		Type:         "AT_MOST",
		Count:        &zero,
		CriteriaList: []circeCriteria{},
		Groups:       []*circeGroup{inner},
	}
}

func circeAtom(n *node, sets *conceptSets) circeCriteria {
	a := n.atom
	c := circeCriteria{
		Entity:  n.displayName(),
		Domain:  a.EntityDomain,
		Unit:    a.UnitText,
		Negated: a.Negation,
	}
	if a.EntityConceptID != "" {
		id := sets.idFor(a.EntityConceptSystem, a.EntityConceptID, n.displayName(), a.EntityDomain)
		c.CodesetID = &id
	}
	if scale, ok := strings.CutPrefix(a.UnitConceptID, "ordinal:"); ok {
		c.OrdinalScale = scale
	}
	if op, ok := circeNumericOps[a.RelationOperator]; ok && a.ValueNumeric != nil {
		c.ValueAsNumber = &circeNumber{Value: *a.ValueNumeric, Op: op}
	} else if a.ValueText != "" {
		c.ValueAsString = &circeString{Value: a.ValueText, Op: string(a.RelationOperator)}
	}
	return c
}

// conceptSets dedupes concepts by (system, code) and assigns stable ids in
// first-seen order.
type conceptSets struct {
	ids  map[string]int
	list []circeConceptSet
}

func newConceptSets() *conceptSets {
	return &conceptSets{ids: make(map[string]int)}
}

func (s *conceptSets) idFor(system, code, name, domain string) int {
	key := system + "|" + code
	if id, ok := s.ids[key]; ok {
		return id
	}
	id := len(s.list)
	s.ids[key] = id
	s.list = append(s.list, circeConceptSet{
		ID:   id,
		Name: name,
		Expression: circeConceptExpr{Items: []circeConceptItem{{
			Concept: circeConcept{
				ConceptCode:  code,
				ConceptName:  name,
				VocabularyID: system,
				DomainID:     domain,
			},
		}}},
	})
	return id
}

func (s *conceptSets) ordered() []circeConceptSet {
	if s.list == nil {
		return []circeConceptSet{}
	}
	return s.list
}
