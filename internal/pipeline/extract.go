package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/types"
)

const extractSystem = `You are a clinical protocol analyst. You read trial protocol documents and extract every eligibility criterion exactly as stated, never inventing criteria the document does not contain. You reply with a single JSON object and nothing else.`

const extractMaxTokens = 8192

// extractPrompt spells out the extraction contract: one item per independent
// criterion, composites split at the sentence level so the logic tree can be
// rebuilt later, thresholds and entities captured inline.
func extractPrompt(title string) string {
	return fmt.Sprintf(`Extract all eligibility criteria from the attached protocol document titled %q.

Return a JSON object:
{
  "protocol_summary": "<2-3 sentence summary of the study>",
  "criteria": [
    {
      "text": "<criterion exactly as written>",
      "criteria_type": "inclusion" | "exclusion",
      "category": "<short category, e.g. demographics, labs, comorbidity>",
      "temporal_constraint": {"duration": "...", "relation": "...", "reference_point": "..."},
      "numeric_thresholds": [{"value": 0, "unit": "...", "comparator": ">=", "upper_value": 0}],
      "conditions": ["<condition this criterion depends on>"],
      "assertion_status": "PRESENT" | "ABSENT" | "HYPOTHETICAL" | "HISTORICAL" | "CONDITIONAL",
      "confidence": 0.0,
      "source_section": "<section heading>",
      "page_number": 1,
      "entities": [{"text": "...", "entity_type": "Condition" | "Medication" | "Procedure" | "Lab_Value" | "Demographic" | "Biomarker" | "Phenotype"}]
    }
  ]
}

Rules:
- Split statements joined by AND/OR into separate items; the combining logic is reconstructed downstream.
- A range like "between 7%% and 10%%" is one criterion with value, comparator ">=" and upper_value set.
- Exclusion criteria stated as "no history of X" have assertion_status ABSENT.
- List each medical concept the criterion mentions under entities.
- Omit optional fields you cannot source from the document. Do not pad.`, title)
}

// extractNode sends the document to the extraction model and validates the
// structured result. The PDF is cleared from state afterwards so checkpoints
// and later nodes never carry it.
func (r *Runner) extractNode(ctx context.Context, s State) (State, error) {
	if len(s.PDFBytes) == 0 {
		// A resumed run arrives with the checkpoint's PDF stripped.
		pdf, err := r.fetchDocument(ctx, s.FileURI)
		if err != nil {
			return s, err
		}
		s.PDFBytes = pdf
	}

	encoded := base64.StdEncoding.EncodedLen(len(s.PDFBytes))
	if encoded > r.opts.MaxPDFBytes {
		return s, fatalf(ReasonPDFTooLarge, "document encodes to %d bytes, cap %d", encoded, r.opts.MaxPDFBytes)
	}
	if encoded*10 > r.opts.MaxPDFBytes*9 {
		r.log.Warn("document close to size cap",
			zap.String("protocol_id", s.ProtocolID),
			zap.Int("encoded_bytes", encoded),
			zap.Int("cap", r.opts.MaxPDFBytes))
	}

	var result types.ExtractionResult
	req := llm.Request{
		System:    extractSystem,
		Prompt:    extractPrompt(s.Title),
		PDF:       s.PDFBytes,
		MaxTokens: extractMaxTokens,
	}
	if err := llm.CallStructured(ctx, r.extract, req, llm.ExtractionSchema, &result); err != nil {
		return s, fmt.Errorf("extract: %w", err)
	}
	if len(result.Criteria) == 0 {
		return s, fatalf(ReasonNoCriteria, "model extracted zero criteria")
	}

	if err := s.setExtraction(&result); err != nil {
		return s, err
	}
	s.PDFBytes = nil
	r.log.Info("criteria extracted",
		zap.String("protocol_id", s.ProtocolID),
		zap.Int("criteria", len(result.Criteria)))
	return s, nil
}
