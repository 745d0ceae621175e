package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the fully resolved, validated configuration consumed by the
// worker and CLI. Durations are materialized from the *_MS / *_SEC knobs.
type Config struct {
	DatabaseURL string `validate:"required"`
	HTTPAddr    string `validate:"required"`
	Dev         bool
	WorkerID    string `validate:"required"`

	Pipeline PipelineConfig
	Outbox   OutboxConfig
	LLM      LLMConfig
	Provider ProviderConfig
	Cache    CacheConfig
	Circuit  CircuitConfig
	Routing  RoutingConfig
	Blob     BlobConfig
}

// PipelineConfig tunes the pipeline runtime.
type PipelineConfig struct {
	MaxCriteria          int   `validate:"gte=0"` // 0 = unlimited, truncates before parse persistence
	MaxEntities          int   `validate:"gte=0"` // 0 = unlimited, truncates before ground dispatch
	MaxPDFBytes          int64 `validate:"gt=0"`
	GroundConcurrency    int   `validate:"gt=0"`
	StructureConcurrency int   `validate:"gt=0"`
	EntityDeadline       time.Duration
	NodeTimeout          time.Duration
	RunTimeout           time.Duration
}

// OutboxConfig tunes the dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration `validate:"gt=0"`
	// SweepInterval zero disables the sweeper; archival then runs only
	// lazily on protocol reads.
	SweepInterval time.Duration `validate:"gte=0"`
	StuckTimeout  time.Duration `validate:"gt=0"`
	DeadLetterTTL time.Duration `validate:"gt=0"`
	MaxRetries    int           `validate:"gte=0"`
	BatchSize     int           `validate:"gt=0"`
}

// LLMConfig names the models and bounds their calls.
type LLMConfig struct {
	Timeout       time.Duration `validate:"gt=0"`
	ExtractModel  string        `validate:"required"`
	ReasonModel   string        `validate:"required"`
	ReasonBaseURL string        `validate:"required,url"`
}

// ProviderConfig bounds terminology provider calls.
type ProviderConfig struct {
	Timeout    time.Duration `validate:"gt=0"`
	UMLSAPIKey string
}

// CacheConfig tunes the provider result cache.
type CacheConfig struct {
	TTL      time.Duration `validate:"gt=0"`
	Capacity int           `validate:"gt=0"`
}

// CircuitConfig tunes the per-provider breakers.
type CircuitConfig struct {
	FailureThreshold uint32        `validate:"gt=0"`
	Window           time.Duration `validate:"gt=0"`
}

// RoutingConfig points at the terminology routing table.
type RoutingConfig struct {
	TablePath string // empty = built-in defaults
}

// BlobConfig scopes local:// reads.
type BlobConfig struct {
	LocalRoot  string
	LocalAllow []string
}

// Load materializes and validates a Config from the initialized viper
// instance. Call Initialize first.
func Load() (*Config, error) {
	if v == nil {
		return nil, fmt.Errorf("config not initialized")
	}

	cfg := &Config{
		DatabaseURL: GetString("database.url"),
		HTTPAddr:    GetString("http.addr"),
		Dev:         GetBool("dev"),
		WorkerID:    GetString("worker.id"),
		Pipeline: PipelineConfig{
			MaxCriteria:          GetInt("pipeline.max_criteria"),
			MaxEntities:          GetInt("pipeline.max_entities"),
			MaxPDFBytes:          GetInt64("pipeline.max_pdf_bytes"),
			GroundConcurrency:    GetInt("ground.concurrency"),
			StructureConcurrency: GetInt("structure.concurrency"),
			EntityDeadline:       time.Duration(GetInt("pipeline.entity_deadline_ms")) * time.Millisecond,
			NodeTimeout:          time.Duration(GetInt("pipeline.node_timeout_ms")) * time.Millisecond,
			RunTimeout:           time.Duration(GetInt("pipeline.run_timeout_ms")) * time.Millisecond,
		},
		Outbox: OutboxConfig{
			PollInterval:  time.Duration(GetInt("outbox.poll_interval_ms")) * time.Millisecond,
			SweepInterval: time.Duration(GetInt("outbox.sweep_interval_ms")) * time.Millisecond,
			StuckTimeout:  time.Duration(GetInt("outbox.stuck_timeout_ms")) * time.Millisecond,
			DeadLetterTTL: time.Duration(GetInt("outbox.dead_letter_ttl_hours")) * time.Hour,
			MaxRetries:    GetInt("outbox.max_retries"),
			BatchSize:     GetInt("outbox.batch_size"),
		},
		LLM: LLMConfig{
			Timeout:       time.Duration(GetInt("llm.timeout_ms")) * time.Millisecond,
			ExtractModel:  GetString("llm.extract_model"),
			ReasonModel:   GetString("llm.reason_model"),
			ReasonBaseURL: GetString("llm.reason_base_url"),
		},
		Provider: ProviderConfig{
			Timeout:    time.Duration(GetInt("provider.timeout_ms")) * time.Millisecond,
			UMLSAPIKey: GetString("umls.api_key"),
		},
		Cache: CacheConfig{
			TTL:      time.Duration(GetInt("cache.ttl_seconds")) * time.Second,
			Capacity: GetInt("cache.capacity"),
		},
		Circuit: CircuitConfig{
			FailureThreshold: uint32(GetInt("circuit.failure_threshold")),
			Window:           time.Duration(GetInt("circuit.window_sec")) * time.Second,
		},
		Routing: RoutingConfig{TablePath: GetString("routing.table")},
		Blob: BlobConfig{
			LocalRoot:  GetString("blob.local_root"),
			LocalAllow: GetStringSlice("blob.local_allow"),
		},
	}

	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "sieve"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
