package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/types"
)

// ingest marks the protocol extracting and fetches the document bytes. The
// status moves first: a fetch that fails permanently then settles as
// extraction_failed, which is where operators look for dead uploads.
func (r *Runner) ingest(ctx context.Context, s State) (State, error) {
	if err := r.transitionTo(ctx, s.ProtocolID, types.StatusExtracting, ""); err != nil {
		return s, err
	}
	s.Status = string(types.StatusExtracting)

	pdf, err := r.fetchDocument(ctx, s.FileURI)
	if err != nil {
		return s, err
	}

	s.PDFBytes = pdf
	r.log.Info("document fetched",
		zap.String("protocol_id", s.ProtocolID),
		zap.String("file_uri", s.FileURI),
		zap.Int("bytes", len(pdf)))
	return s, nil
}

// fetchDocument loads the protocol PDF. Transient store errors surface for
// redelivery; anything else, an empty object included, is a dead upload.
func (r *Runner) fetchDocument(ctx context.Context, uri string) ([]byte, error) {
	pdf, err := r.blob.Fetch(ctx, uri)
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, fmt.Errorf("fetch %s: %w", uri, err)
		}
		return nil, fatalf(ReasonFetchFailed, "fetch %s: %v", uri, err)
	}
	if len(pdf) == 0 {
		return nil, fatalf(ReasonFetchFailed, "document %s is empty", uri)
	}
	return pdf, nil
}
