package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cohortforge/sieve/internal/review"
	"github.com/cohortforge/sieve/internal/types"
)

type reviewRequest struct {
	Verdict string `json:"verdict"`
	// Text replaces the criterion text on a modified verdict.
	Text string `json:"text,omitempty"`
	Note string `json:"note,omitempty"`
}

func (s *Server) handleReviewCriterion(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	verdict := types.ReviewStatus(req.Verdict)
	switch verdict {
	case types.ReviewApproved, types.ReviewRejected, types.ReviewModified:
	default:
		writeError(w, http.StatusBadRequest, "verdict must be approved, rejected, or modified")
		return
	}
	if verdict == types.ReviewModified && strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "modified verdict requires replacement text")
		return
	}

	criterion, err := s.reviews.Decide(r.Context(), chi.URLParam(r, "criterionID"), verdict, review.Decision{
		Actor: actor(r),
		Text:  req.Text,
		Note:  req.Note,
	})
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, criterion)
}

func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.reviews.ApproveBatch(r.Context(), chi.URLParam(r, "batchID"), actor(r))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}
