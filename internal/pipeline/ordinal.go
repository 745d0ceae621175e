package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/audit"
	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// ordinalScales are the clinical scales recognized without an LLM call. The
// marker written to unit_concept_id is stable so exporters can map it.
var ordinalScales = []struct {
	name string
	re   *regexp.Regexp
}{
	{"NYHA", regexp.MustCompile(`(?i)\bNYHA\b|new york heart association`)},
	{"ECOG", regexp.MustCompile(`(?i)\bECOG\b|eastern cooperative oncology group`)},
	{"Karnofsky", regexp.MustCompile(`(?i)\bkarnofsky\b|\bKPS\b`)},
	{"WOMAC", regexp.MustCompile(`(?i)\bWOMAC\b`)},
	{"CTCAE", regexp.MustCompile(`(?i)\bCTCAE\b|common terminology criteria for adverse events`)},
	{"mRS", regexp.MustCompile(`(?i)modified rankin|\bmRS\b`)},
	{"GCS", regexp.MustCompile(`(?i)glasgow coma|\bGCS\b`)},
}

func matchOrdinalScale(text string) (scale, marker string, ok bool) {
	for _, s := range ordinalScales {
		if s.re.MatchString(text) {
			return s.name, ordinalMarker(s.name), true
		}
	}
	return "", "", false
}

func ordinalMarker(scale string) string {
	return "ordinal:" + strings.ToLower(scale)
}

const ordinalSystem = `You identify clinical ordinal scales. Given atomic eligibility constraints whose unit is missing, decide for each whether the value is a grade on a named ordinal scale (NYHA class, ECOG status, tumor grade and similar). Respond with a single JSON object {"results":[{"atom_id":...,"is_ordinal":...,"scale":...,"rationale":...}]} and nothing else.`

const ordinalMaxTokens = 1024

type ordinalDetection struct {
	Results []struct {
		AtomID    string `json:"atom_id"`
		IsOrdinal bool   `json:"is_ordinal"`
		Scale     string `json:"scale,omitempty"`
		Rationale string `json:"rationale,omitempty"`
	} `json:"results"`
}

// ordinalResolve finds atoms with a value but no unit and marks the ones
// whose value is a grade on a clinical ordinal scale. A lexicon handles the
// well-known scales; the rest go to the detection model in one batch call.
// Detection is advisory, so a failed call leaves the units for review rather
// than failing the run.
func (r *Runner) ordinalResolve(ctx context.Context, s State) (State, error) {
	rows, err := r.store.ListCriteria(ctx, s.BatchID)
	if err != nil {
		return s, storeErr("list criteria", err)
	}
	byID := make(map[string]*types.Criteria, len(rows))
	for _, cr := range rows {
		byID[cr.ID] = cr
	}

	// Trees span every batch of the protocol; keep only the current one.
	trees, err := r.store.ListCriterionTrees(ctx, s.ProtocolID)
	if err != nil {
		return s, storeErr("list criterion trees", err)
	}

	var candidates []ordinalCandidate
	for _, tree := range trees {
		cr, ok := byID[tree.CriterionID]
		if !ok {
			continue
		}
		for _, atom := range tree.Atoms {
			if atom.UnitText != "" || atom.UnitConceptID != "" {
				continue
			}
			if atom.ValueNumeric == nil && atom.ValueText == "" {
				continue
			}
			candidates = append(candidates, ordinalCandidate{tree: tree, atom: atom, text: cr.Text})
		}
	}
	if len(candidates) == 0 {
		r.log.Info("no unitless atoms",
			zap.String("protocol_id", s.ProtocolID), zap.String("batch_id", s.BatchID))
		// Structure may have added errors since persist last wrote them.
		if err := r.recordErrors(ctx, &s); err != nil {
			return s, err
		}
		return s, nil
	}

	dirty := make(map[string]*types.CriterionTree)
	var proposals []types.OrdinalProposal
	propose := func(c ordinalCandidate, scale, rationale string) {
		marker := ordinalMarker(scale)
		c.atom.UnitConceptID = marker
		dirty[c.tree.CriterionID] = c.tree
		proposals = append(proposals, types.OrdinalProposal{
			AtomID:        c.atom.ID,
			CriterionID:   c.tree.CriterionID,
			Scale:         scale,
			UnitConceptID: marker,
			Rationale:     rationale,
		})
	}

	var unresolved []ordinalCandidate
	for _, c := range candidates {
		if scale, _, ok := matchOrdinalScale(c.text); ok {
			propose(c, scale, "scale name in criterion text")
		} else {
			unresolved = append(unresolved, c)
		}
	}

	if len(unresolved) > 0 {
		var det ordinalDetection
		req := llm.Request{
			System:    ordinalSystem,
			Prompt:    ordinalPrompt(unresolved),
			MaxTokens: ordinalMaxTokens,
		}
		if err := llm.CallStructured(ctx, r.reason, req, llm.OrdinalSchema, &det); err != nil {
			if ctx.Err() != nil {
				return s, ctx.Err()
			}
			s.addErrorf("ordinal detection: %s", err)
			r.log.Warn("ordinal detection failed", zap.Error(err))
		} else {
			index := make(map[string]ordinalCandidate, len(unresolved))
			for _, c := range unresolved {
				index[c.atom.ID] = c
			}
			for _, res := range det.Results {
				c, ok := index[res.AtomID]
				if !ok || !res.IsOrdinal || res.Scale == "" {
					continue
				}
				propose(c, res.Scale, res.Rationale)
			}
		}
	}

	byCriterion := make(map[string][]types.OrdinalProposal)
	for _, p := range proposals {
		byCriterion[p.CriterionID] = append(byCriterion[p.CriterionID], p)
	}
	for _, cr := range rows {
		tree, ok := dirty[cr.ID]
		if !ok {
			continue
		}
		ps := byCriterion[cr.ID]
		err := r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if err := tx.SaveCriterionTree(ctx, tree); err != nil {
				return err
			}
			for _, p := range ps {
				if err := audit.Append(ctx, tx, audit.Entry{
					AggregateType: audit.AggregateCriteria,
					AggregateID:   p.CriterionID,
					Actor:         r.opts.Actor,
					Action:        audit.ActionOrdinalProposed,
					After:         p,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return s, storeErr("save ordinal proposals", err)
		}
	}

	if err := s.setOrdinalProposals(proposals); err != nil {
		return s, err
	}
	if err := r.recordErrors(ctx, &s); err != nil {
		return s, err
	}
	r.log.Info("ordinal scales resolved",
		zap.String("protocol_id", s.ProtocolID),
		zap.Int("candidates", len(candidates)),
		zap.Int("proposed", len(proposals)))
	return s, nil
}

type ordinalCandidate struct {
	tree *types.CriterionTree
	atom *types.AtomicCriterion
	text string
}

func ordinalPrompt(candidates []ordinalCandidate) string {
	var b strings.Builder
	b.WriteString("Atoms with a value but no unit:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- atom_id=%s criterion=%q", c.atom.ID, c.text)
		if c.atom.ValueNumeric != nil {
			fmt.Fprintf(&b, " value=%g", *c.atom.ValueNumeric)
		} else {
			fmt.Fprintf(&b, " value=%q", c.atom.ValueText)
		}
		if c.atom.EntityConceptID != "" {
			fmt.Fprintf(&b, " concept=%s/%s", c.atom.EntityConceptSystem, c.atom.EntityConceptID)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nClassify each atom.")
	return b.String()
}
