package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cohortforge/sieve/internal/audit"
	"github.com/cohortforge/sieve/internal/outbox"
	"github.com/cohortforge/sieve/internal/storage"
)

var (
	enqueueRetry bool
	enqueueActor string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <protocol-id>",
	Short: "Enqueue the pipeline trigger event for a protocol",
	Long: `Enqueue writes a protocol_uploaded event for an existing protocol row.
Without --retry it re-issues the current processing version, which is a no-op
when that version was already enqueued. With --retry it bumps the version,
producing a fresh idempotency key and therefore a fresh pipeline run — also
from pending_review, which the HTTP retry endpoint refuses.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		id := args[0]

		_, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		p, err := store.GetProtocol(ctx, id)
		if err != nil {
			return err
		}
		version := metadataVersion(p.Metadata)

		if !enqueueRetry {
			ev, err := outbox.NewProtocolUploadedEvent(p.ID, p.FileURI, p.Title, version)
			if err != nil {
				return err
			}
			if err := store.EnqueueEvent(ctx, ev); err != nil {
				if errors.Is(err, storage.ErrDuplicateEvent) {
					fmt.Printf("version %d already enqueued for %s; use --retry to start a new run\n", version, p.ID)
					return nil
				}
				return err
			}
			fmt.Printf("enqueued %s (version %d, event %s)\n", p.ID, version, ev.ID)
			return nil
		}

		next := version + 1
		ev, err := outbox.NewProtocolUploadedEvent(p.ID, p.FileURI, p.Title, next)
		if err != nil {
			return err
		}
		meta := make(map[string]any, len(p.Metadata)+1)
		for k, v := range p.Metadata {
			meta[k] = v
		}
		meta["processing_version"] = next

		err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if err := tx.UpdateProtocol(ctx, p.ID, map[string]any{"metadata": meta}); err != nil {
				return err
			}
			if err := tx.EnqueueEvent(ctx, ev); err != nil {
				return err
			}
			return audit.Append(ctx, tx, audit.Entry{
				AggregateType: audit.AggregateProtocol,
				AggregateID:   p.ID,
				Actor:         enqueueActor,
				Action:        audit.ActionRetryRequested,
				Before:        map[string]any{"processing_version": version, "status": p.Status},
				After:         map[string]any{"processing_version": next},
			})
		})
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s (version %d, event %s)\n", p.ID, next, ev.ID)
		return nil
	},
}

// metadataVersion reads the processing version from protocol metadata.
// JSONB round-trips numbers as float64; rows predating the version key
// count as version 1.
func metadataVersion(meta map[string]any) int {
	if meta == nil {
		return 1
	}
	switch v := meta["processing_version"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 1
	}
}

func init() {
	enqueueCmd.Flags().BoolVar(&enqueueRetry, "retry", false, "Bump the processing version and start a fresh run")
	enqueueCmd.Flags().StringVar(&enqueueActor, "actor", "dev", "Actor name stamped on the audit entry")
	rootCmd.AddCommand(enqueueCmd)
}
