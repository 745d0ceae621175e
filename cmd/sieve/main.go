// Command sieve is the protocol eligibility worker and its operator CLI.
//
// The long-running mode is `sieve serve`: one process hosting the outbox
// dispatcher (which drives pipeline runs) and the HTTP API. The remaining
// commands are one-shots against the same database: migrate, enqueue,
// status, export.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/config"
	"github.com/cohortforge/sieve/internal/storage/postgres"
)

// telemetryFlushTimeout bounds the final span/metric flush on exit.
const telemetryFlushTimeout = 5 * time.Second

var (
	logger *zap.Logger

	// Persistent flag targets. Empty means "defer to config".
	flagDatabaseURL string
	flagDev         bool
	flagJSON        bool
)

func init() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().StringVar(&flagDatabaseURL, "db", "", "Postgres DSN (default: SIEVE_DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "Console logging and development defaults")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")
}

var rootCmd = &cobra.Command{
	Use:   "sieve",
	Short: "sieve - clinical-trial protocol eligibility pipeline",
	Long: `Sieve turns clinical-trial protocol PDFs into reviewable, exportable
eligibility criteria: extraction, terminology grounding, and expression-tree
structuring, driven by a transactional outbox.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagDatabaseURL != "" {
			config.Set("database.url", flagDatabaseURL)
		}
		if flagDev {
			config.Set("dev", true)
		}
		var err error
		if logger, err = buildLogger(config.GetBool("dev")); err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// buildLogger picks the output shape: JSON in production, console in dev.
func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// signalContext is canceled on SIGINT/SIGTERM so long-running commands shut
// down cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore loads the validated config and connects to Postgres. The caller
// owns Close.
func openStore(ctx context.Context) (*config.Config, *postgres.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode output: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
