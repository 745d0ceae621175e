package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/export"
)

// handleExportBatch renders one batch in the requested format. The batch must
// be approved unless allow_pending=true; criteria that never got a persisted
// tree are reported in the X-Sieve-Skipped-Criteria header.
func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = export.FormatCirce
	}
	allowPending := q.Get("allow_pending") == "true"

	bundle, err := export.Load(r.Context(), s.store, batchID, allowPending)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	out, err := export.Render(format, bundle)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	s.log.Info("batch exported",
		zap.String("batch_id", batchID),
		zap.String("format", format),
		zap.Int("criteria", len(bundle.Items)),
		zap.Int("skipped", len(bundle.Skipped)))

	if len(bundle.Skipped) > 0 {
		w.Header().Set("X-Sieve-Skipped-Criteria", strconv.Itoa(len(bundle.Skipped)))
	}
	switch format {
	case export.FormatSQL:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
