package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/cohortforge/sieve/internal/types"
)

// State is the record threaded through the pipeline nodes. It stays flat and
// keeps the voluminous payloads as compact JSON strings so checkpoints stay
// small; nodes parse and validate those fields at their boundaries, never
// mid-node. State is passed by value: a node receives a copy, mutates it, and
// returns it.
type State struct {
	ProtocolID string `json:"protocol_id"`
	FileURI    string `json:"file_uri"`
	Title      string `json:"title"`

	BatchID string `json:"batch_id,omitempty"`

	// PDFBytes is set by ingest, consumed by extract, and cleared before the
	// extract checkpoint. It is stripped from every checkpoint write.
	PDFBytes []byte `json:"pdf_bytes,omitempty"`

	ExtractionJSON       string `json:"extraction_json,omitempty"`
	EntitiesJSON         string `json:"entities_json,omitempty"`
	GroundedEntitiesJSON string `json:"grounded_entities_json,omitempty"`
	OrdinalProposalsJSON string `json:"ordinal_proposals_json,omitempty"`

	// ArchivedReviewedCriteria maps canonical-text hashes to the reviewer
	// verdicts of the batch being replaced. Set by parse only when this run
	// re-extracts a protocol that already had a reviewed batch.
	ArchivedReviewedCriteria map[string]types.ReviewStatus `json:"archived_reviewed_criteria,omitempty"`

	// Status mirrors the protocol status as the run advances it.
	Status string `json:"status,omitempty"`

	// Error is the fatal cause. Non-empty routes the run to END.
	Error string `json:"error,omitempty"`

	// Errors accumulates non-fatal per-item failures.
	Errors []string `json:"errors,omitempty"`
}

func (s State) validate() error {
	if s.ProtocolID == "" {
		return fmt.Errorf("pipeline state: empty protocol_id")
	}
	if s.FileURI == "" {
		return fmt.Errorf("pipeline state: empty file_uri")
	}
	if s.Title == "" {
		return fmt.Errorf("pipeline state: empty title")
	}
	return nil
}

// checkpointJSON marshals the state for a checkpoint row with the PDF bytes
// stripped. Resume re-fetches the document if a run ever crashes between
// ingest and extract.
func (s State) checkpointJSON() (json.RawMessage, error) {
	s.PDFBytes = nil
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline state: %w", err)
	}
	return raw, nil
}

func (s *State) addErrorf(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

func (s State) extraction() (*types.ExtractionResult, error) {
	var res types.ExtractionResult
	if err := json.Unmarshal([]byte(s.ExtractionJSON), &res); err != nil {
		return nil, fmt.Errorf("decode extraction_json: %w", err)
	}
	return &res, nil
}

func (s *State) setExtraction(res *types.ExtractionResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode extraction_json: %w", err)
	}
	s.ExtractionJSON = string(raw)
	return nil
}

func (s State) entities() ([]types.EntityLite, error) {
	var out []types.EntityLite
	if err := json.Unmarshal([]byte(s.EntitiesJSON), &out); err != nil {
		return nil, fmt.Errorf("decode entities_json: %w", err)
	}
	return out, nil
}

func (s *State) setEntities(entities []types.EntityLite) error {
	raw, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encode entities_json: %w", err)
	}
	s.EntitiesJSON = string(raw)
	return nil
}

func (s State) grounded() ([]types.GroundedEntity, error) {
	var out []types.GroundedEntity
	if err := json.Unmarshal([]byte(s.GroundedEntitiesJSON), &out); err != nil {
		return nil, fmt.Errorf("decode grounded_entities_json: %w", err)
	}
	return out, nil
}

func (s *State) setGrounded(entities []types.GroundedEntity) error {
	raw, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encode grounded_entities_json: %w", err)
	}
	s.GroundedEntitiesJSON = string(raw)
	return nil
}

func (s *State) setOrdinalProposals(proposals []types.OrdinalProposal) error {
	if len(proposals) == 0 {
		return nil
	}
	raw, err := json.Marshal(proposals)
	if err != nil {
		return fmt.Errorf("encode ordinal_proposals_json: %w", err)
	}
	s.OrdinalProposalsJSON = string(raw)
	return nil
}

// FatalError is a pipeline-level invariant violation: the run short-circuits
// to END and the protocol settles in a failure status. Reason is the short
// machine-readable cause written to Protocol.error_reason.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal reasons. Short on purpose; the wrapped error carries the detail.
const (
	ReasonFetchFailed = "fetch_failed"
	ReasonPDFTooLarge = "pdf_too_large"
	ReasonNoCriteria  = "no_criteria"
	ReasonNoEntities  = "no_entities"
)

func fatalf(reason, format string, args ...any) error {
	return &FatalError{Reason: reason, Err: fmt.Errorf(format, args...)}
}
