package pipeline

import (
	"context"

	"go.uber.org/zap"
)

// groundNode hands the entity batch to the grounding engine. Per-entity
// failures accumulate as run errors and never fail the node; a batch where
// every attempted entity failed is settled by persist, which counts zero
// grounded entities.
func (r *Runner) groundNode(ctx context.Context, s State) (State, error) {
	entities, err := s.entities()
	if err != nil {
		return s, err
	}

	res, err := r.engine.Ground(ctx, entities)
	if err != nil {
		// The engine only errors on a cancelled context.
		return s, err
	}

	for _, ge := range res.Entities {
		if ge.Err != "" && !ge.Skipped {
			s.addErrorf("ground %q: %s", ge.Text, ge.Err)
		}
	}
	if err := s.setGrounded(res.Entities); err != nil {
		return s, err
	}

	r.log.Info("grounding finished",
		zap.String("protocol_id", s.ProtocolID),
		zap.Int("dispatched", res.Stats.Dispatched),
		zap.Int("grounded", res.Stats.GroundedCount),
		zap.Int("skipped", res.Stats.Skipped),
		zap.Int("errors", res.Stats.ErrorCount),
		zap.Int("retries", res.Stats.RetryCount),
		zap.Int("truncated", res.Stats.Truncated))
	return s, nil
}
