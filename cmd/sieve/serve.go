package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cohortforge/sieve/internal/blob"
	"github.com/cohortforge/sieve/internal/config"
	"github.com/cohortforge/sieve/internal/ground"
	"github.com/cohortforge/sieve/internal/llm"
	"github.com/cohortforge/sieve/internal/outbox"
	"github.com/cohortforge/sieve/internal/pipeline"
	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/server"
	"github.com/cohortforge/sieve/internal/telemetry"
	"github.com/cohortforge/sieve/internal/terminology"
	"github.com/cohortforge/sieve/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker: outbox dispatcher plus HTTP API",
	Long: `Serve hosts one sieve worker. The dispatcher polls the outbox and drives
pipeline runs; the HTTP API takes upload confirmations, review decisions, and
exports. Run as many workers as you like against the same database; the
conditional claim keeps each event on a single worker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		if err := telemetry.Init(ctx, "sieve", Version); err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
			defer cancel()
			telemetry.Shutdown(flushCtx)
		}()

		cfg, pg, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		store := telemetry.WrapStorage(pg)

		breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			Window:           cfg.Circuit.Window,
		})

		router, err := buildRouter(cfg, breakers)
		if err != nil {
			return err
		}
		defer func() { _ = router.Close() }()
		if err := router.Watch(ctx); err != nil {
			logger.Warn("routing table watcher unavailable", zap.Error(err))
		}

		extract, reason, err := buildClients(cfg, breakers)
		if err != nil {
			return err
		}

		resolver, err := buildResolver(ctx, cfg, breakers)
		if err != nil {
			return err
		}

		engine := ground.New(router, reason, logger, ground.Options{
			Concurrency:    cfg.Pipeline.GroundConcurrency,
			EntityDeadline: cfg.Pipeline.EntityDeadline,
			MaxEntities:    cfg.Pipeline.MaxEntities,
		})
		runner := pipeline.NewRunner(pipeline.Deps{
			Store:   store,
			Blob:    resolver,
			Extract: extract,
			Reason:  reason,
			Ground:  engine,
		}, logger, pipeline.Options{
			MaxCriteria:          cfg.Pipeline.MaxCriteria,
			MaxPDFBytes:          int(cfg.Pipeline.MaxPDFBytes),
			StructureConcurrency: cfg.Pipeline.StructureConcurrency,
			NodeTimeout:          cfg.Pipeline.NodeTimeout,
		})

		registry := outbox.NewRegistry()
		if err := registry.Register(pipeline.NewHandler(runner, store, logger)); err != nil {
			return err
		}

		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		dispatcher := outbox.NewDispatcher(store, registry, logger, outbox.Options{
			WorkerID:       cfg.WorkerID,
			PollInterval:   cfg.Outbox.PollInterval,
			BatchSize:      cfg.Outbox.BatchSize,
			MaxRetries:     cfg.Outbox.MaxRetries,
			HandlerTimeout: cfg.Pipeline.RunTimeout,
			SweepInterval:  cfg.Outbox.SweepInterval,
			StuckTimeout:   cfg.Outbox.StuckTimeout,
			DeadLetterTTL:  cfg.Outbox.DeadLetterTTL,
			Registerer:     promReg,
		})
		api := server.New(store, logger, server.Options{
			Addr:       cfg.HTTPAddr,
			Version:    Version,
			ArchiveTTL: cfg.Outbox.DeadLetterTTL,
			Registerer: promReg,
		})

		logger.Info("worker starting",
			zap.String("worker_id", cfg.WorkerID),
			zap.String("http_addr", cfg.HTTPAddr),
			zap.Strings("terminology_providers", router.Providers()))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return dispatcher.Run(ctx) })
		g.Go(func() error { return api.Start(ctx) })
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the terminology providers behind per-provider breakers.
// UMLS-backed providers (umls, cpt) register only when an API key is
// configured; the router degrades to the remaining providers otherwise.
func buildRouter(cfg *config.Config, breakers *resilience.BreakerSet) (*terminology.Router, error) {
	router, err := terminology.NewRouter(logger, terminology.RouterOptions{
		RoutesPath:    cfg.Routing.TablePath,
		CacheTTL:      cfg.Cache.TTL,
		CacheCapacity: cfg.Cache.Capacity,
	})
	if err != nil {
		return nil, err
	}

	policy := func(name string) terminology.CallPolicy {
		return terminology.CallPolicy{
			Breaker: breakers.For(name),
			Retry:   resilience.RetryPolicy{},
			Timeout: cfg.Provider.Timeout,
		}
	}

	router.Register(terminology.NewSnomed(policy("snomed")))
	router.Register(terminology.NewICD10(policy("icd10")))
	router.Register(terminology.NewLoinc(policy("loinc")))
	router.Register(terminology.NewHPO(policy("hpo")))
	router.Register(terminology.NewRxNav(terminology.RxNavConfig{Policy: policy("rxnorm")}))

	if cfg.Provider.UMLSAPIKey == "" {
		logger.Info("umls and cpt providers disabled: no UMLS api key configured")
		return router, nil
	}
	router.Register(terminology.NewUMLS(terminology.UMLSConfig{
		APIKey: cfg.Provider.UMLSAPIKey,
		Policy: policy("umls"),
	}))
	router.Register(terminology.NewUMLS(terminology.UMLSConfig{
		Name:   "cpt",
		System: types.SystemCPT,
		Sabs:   "CPT",
		APIKey: cfg.Provider.UMLSAPIKey,
		Policy: policy("cpt"),
	}))
	return router, nil
}

// buildClients constructs the extraction and reasoning model clients.
func buildClients(cfg *config.Config, breakers *resilience.BreakerSet) (extract, reason llm.Client, err error) {
	anthropic, err := llm.NewAnthropic("", cfg.LLM.ExtractModel,
		breakers.For("anthropic"), resilience.RetryPolicy{}, cfg.LLM.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("extraction client: %w", err)
	}

	medgemma := llm.NewOpenAICompat(llm.CompatConfig{
		Name:    "medgemma",
		BaseURL: cfg.LLM.ReasonBaseURL,
		Model:   cfg.LLM.ReasonModel,
		Breaker: breakers.For("medgemma"),
		Retry:   resilience.RetryPolicy{},
		Timeout: cfg.LLM.Timeout,
	})
	return anthropic, medgemma, nil
}

// buildResolver registers the blob schemes. gs:// needs application default
// credentials; a worker without them keeps running on local:// alone.
func buildResolver(ctx context.Context, cfg *config.Config, breakers *resilience.BreakerSet) (*blob.Resolver, error) {
	resolver := blob.NewResolver()

	gcs, err := blob.NewGCS(ctx,
		breakers.For("gcs"),
		resilience.RetryPolicy{},
		cfg.Provider.Timeout,
	)
	if err != nil {
		logger.Warn("gs:// scheme disabled", zap.Error(err))
	} else {
		resolver.Register("gs", gcs)
	}

	if cfg.Blob.LocalRoot != "" {
		local, err := blob.NewLocal(cfg.Blob.LocalRoot, cfg.Blob.LocalAllow)
		if err != nil {
			return nil, fmt.Errorf("local blob root: %w", err)
		}
		resolver.Register("local", local)
	}
	return resolver, nil
}
