package ground

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"text/template"

	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/terminology"
	"github.com/cohortforge/sieve/internal/types"
)

// Decision is the reasoning model's pick: an index into the numbered
// candidate list, -1 when nothing fits.
type Decision struct {
	BestCandidate int     `json:"best_candidate"`
	Confidence    float64 `json:"confidence"`
	Rationale     string  `json:"rationale,omitempty"`
}

// AgenticAnswer is the reply to one refinement question.
type AgenticAnswer struct {
	Valid       bool   `json:"valid"`
	RefinedText string `json:"refined_text,omitempty"`
	Rationale   string `json:"rationale,omitempty"`
}

// The refinement questions, asked in order. Iteration caps shorter than
// this list truncate it.
var agenticQuestions = []string{
	"Is this entity valid for terminology coding?",
	"Can you broaden this entity to a parent concept?",
	"Can you rephrase this entity for a better match?",
}

// Reconcile orders candidates for the decision prompt: systems matching the
// entity type's expected domain first, higher tier confidence breaking
// ties, original order preserved otherwise. The front of the list is the
// fallback binding when the reasoning model declines to pick.
func Reconcile(candidates []types.Candidate, entityType types.EntityType) []types.Candidate {
	expected := terminology.ExpectedSystems(entityType)
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, func(a, b types.Candidate) int {
		am, bm := slices.Contains(expected, a.System), slices.Contains(expected, b.System)
		if am != bm {
			if am {
				return -1
			}
			return 1
		}
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		default:
			return 0
		}
	})
	return out
}

const groundingSystem = "You are a clinical terminology grounding assistant. " +
	"Answer with a single JSON object matching the requested shape and nothing else."

var decisionTmpl = template.Must(template.New("decision").Parse(
	`Entity: "{{.Text}}" (type: {{.EntityType}})

Candidate terminology bindings:
{{range $i, $c := .Candidates}}{{$i}}. [{{$c.System}}] {{$c.Code}} "{{$c.Display}}" (tier confidence {{printf "%.2f" $c.Confidence}})
{{end}}
Pick the candidate that best represents the entity for cohort matching.
Respond with JSON: {"best_candidate": <index, or -1 if none fit>, "confidence": <0..1>, "rationale": "<one sentence>"}`))

var agenticTmpl = template.Must(template.New("agentic").Parse(
	`Entity: "{{.Text}}" (type: {{.EntityType}})
{{if .BestDisplay}}Best match so far: [{{.BestSystem}}] {{.BestCode}} "{{.BestDisplay}}" (confidence {{printf "%.2f" .BestConfidence}})
{{end}}
Question: {{.Question}}

Respond with JSON: {"valid": <bool>, "refined_text": "<replacement search text, empty to keep the original>", "rationale": "<one sentence>"}`))

type decisionData struct {
	Text       string
	EntityType types.EntityType
	Candidates []types.Candidate
}

type agenticData struct {
	Text           string
	EntityType     types.EntityType
	Question       string
	BestCode       string
	BestSystem     string
	BestDisplay    string
	BestConfidence float64
}

func (e *Engine) decide(ctx context.Context, text string, entityType types.EntityType, candidates []types.Candidate) (*Decision, error) {
	prompt, err := render(decisionTmpl, decisionData{Text: text, EntityType: entityType, Candidates: candidates})
	if err != nil {
		return nil, err
	}
	var d Decision
	if err := llm.CallStructured(ctx, e.reason, llm.Request{
		System:    groundingSystem,
		Prompt:    prompt,
		MaxTokens: 512,
	}, llm.DecisionSchema, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (e *Engine) ask(ctx context.Context, question string, ent types.EntityLite, best attemptOutcome) (*AgenticAnswer, error) {
	data := agenticData{Text: ent.Text, EntityType: ent.EntityType, Question: question}
	if best.chosen != nil {
		data.BestCode = best.chosen.Code
		data.BestSystem = best.chosen.System
		data.BestDisplay = best.chosen.Display
		data.BestConfidence = best.confidence
	}
	prompt, err := render(agenticTmpl, data)
	if err != nil {
		return nil, err
	}
	var a AgenticAnswer
	if err := llm.CallStructured(ctx, e.reason, llm.Request{
		System:    groundingSystem,
		Prompt:    prompt,
		MaxTokens: 256,
	}, llm.AgenticSchema, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
