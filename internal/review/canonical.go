// Package review records reviewer verdicts on extracted criteria and carries
// them across re-extractions. Verdicts match between batches through a
// canonical form of the criterion text, hashed so the inheritance map stays
// small inside checkpointed pipeline state.
package review

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/cohortforge/sieve/internal/types"
)

// leadingMarker strips list numbering the extraction model sometimes carries
// over from the document ("3.", "b)", "-").
var leadingMarker = regexp.MustCompile(`^(\d+[.)]|[a-z][.)]|[-*]) +`)

// CanonicalText reduces criterion text to the form used for cross-batch
// identity: lowercased, whitespace collapsed, list markers and trailing
// punctuation removed. Two extractions of the same sentence canonicalize
// equal even when the model re-wraps or re-numbers them.
func CanonicalText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = leadingMarker.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimRight(text, ".,;:")
}

// CanonicalHash is the blake3 digest of the canonical text, hex encoded.
// Inheritance maps key on the hash rather than the text itself.
func CanonicalHash(text string) string {
	sum := blake3.Sum256([]byte(CanonicalText(text)))
	return hex.EncodeToString(sum[:])
}

// InheritanceMap collects a batch's reviewer verdicts keyed by canonical
// hash. Pending criteria are left out; only explicit verdicts carry forward
// onto a re-extracted batch. Returns nil when nothing was reviewed.
func InheritanceMap(criteria []*types.Criteria) map[string]types.ReviewStatus {
	var m map[string]types.ReviewStatus
	for _, cr := range criteria {
		switch cr.ReviewStatus {
		case types.ReviewApproved, types.ReviewRejected, types.ReviewModified:
			if m == nil {
				m = make(map[string]types.ReviewStatus)
			}
			m[CanonicalHash(cr.Text)] = cr.ReviewStatus
		}
	}
	return m
}
