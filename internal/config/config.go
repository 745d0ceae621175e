// Package config wraps viper for sieve's configuration surface.
//
// Precedence, highest first: explicit Set, environment, config file,
// defaults. Environment variables are recognized in two spellings: the
// SIEVE_-prefixed form derived from the key (SIEVE_OUTBOX_MAX_RETRIES for
// outbox.max_retries) and, for the pipeline tunables that predate the
// prefix, the bare form (OUTBOX_MAX_RETRIES). An optional sieve.yaml is
// read from the working directory or /etc/sieve.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// envAliases maps config keys to their unprefixed environment spellings.
var envAliases = map[string]string{
	"pipeline.max_criteria":     "PIPELINE_MAX_CRITERIA",
	"pipeline.max_entities":     "PIPELINE_MAX_ENTITIES",
	"ground.concurrency":        "GROUND_CONCURRENCY",
	"structure.concurrency":     "STRUCTURE_CONCURRENCY",
	"outbox.poll_interval_ms":   "OUTBOX_POLL_INTERVAL_MS",
	"outbox.max_retries":        "OUTBOX_MAX_RETRIES",
	"llm.timeout_ms":            "LLM_TIMEOUT_MS",
	"provider.timeout_ms":       "PROVIDER_TIMEOUT_MS",
	"cache.ttl_seconds":         "CACHE_TTL_SECONDS",
	"cache.capacity":            "CACHE_CAPACITY",
	"circuit.failure_threshold": "CIRCUIT_FAILURE_THRESHOLD",
	"circuit.window_sec":        "CIRCUIT_WINDOW_SEC",
}

// Initialize builds a fresh viper instance with defaults, env bindings, and
// the optional config file. Safe to call again (tests rely on that).
func Initialize() error {
	nv := viper.New()

	setDefaults(nv)

	nv.SetEnvPrefix("SIEVE")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
	for key, alias := range envAliases {
		if err := nv.BindEnv(key, alias); err != nil {
			return fmt.Errorf("bind %s: %w", alias, err)
		}
	}

	nv.SetConfigName("sieve")
	nv.SetConfigType("yaml")
	nv.AddConfigPath(".")
	nv.AddConfigPath("/etc/sieve")
	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	v = nv
	return nil
}

func setDefaults(nv *viper.Viper) {
	nv.SetDefault("http.addr", ":8080")
	nv.SetDefault("dev", false)
	nv.SetDefault("worker.id", "")

	nv.SetDefault("pipeline.max_criteria", 0)
	nv.SetDefault("pipeline.max_entities", 0)
	nv.SetDefault("pipeline.max_pdf_bytes", 50<<20)
	nv.SetDefault("pipeline.entity_deadline_ms", 120_000)
	nv.SetDefault("pipeline.node_timeout_ms", 900_000)
	nv.SetDefault("pipeline.run_timeout_ms", 1_800_000)

	nv.SetDefault("ground.concurrency", 4)
	nv.SetDefault("structure.concurrency", 4)

	nv.SetDefault("outbox.poll_interval_ms", 1000)
	nv.SetDefault("outbox.max_retries", 3)
	nv.SetDefault("outbox.batch_size", 10)
	nv.SetDefault("outbox.sweep_interval_ms", 60_000)
	nv.SetDefault("outbox.stuck_timeout_ms", 300_000)
	nv.SetDefault("outbox.dead_letter_ttl_hours", 168)

	nv.SetDefault("llm.timeout_ms", 30_000)
	nv.SetDefault("llm.extract_model", "claude-sonnet-4-5")
	nv.SetDefault("llm.reason_model", "medgemma-27b-text-it")
	nv.SetDefault("llm.reason_base_url", "http://localhost:8000/v1")

	nv.SetDefault("provider.timeout_ms", 30_000)
	nv.SetDefault("cache.ttl_seconds", 3600)
	nv.SetDefault("cache.capacity", 10_000)
	nv.SetDefault("circuit.failure_threshold", 5)
	nv.SetDefault("circuit.window_sec", 30)

	nv.SetDefault("routing.table", "")
	nv.SetDefault("umls.api_key", "")
	nv.SetDefault("blob.local_root", "")
	nv.SetDefault("blob.local_allow", []string{"**/*.pdf"})
}

// GetString returns the string value for key, or "" when uninitialized.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns the bool value for key, or false when uninitialized.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns the int value for key, or 0 when uninitialized.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetInt64 returns the int64 value for key, or 0 when uninitialized.
func GetInt64(key string) int64 {
	if v == nil {
		return 0
	}
	return v.GetInt64(key)
}

// GetDuration returns the duration value for key, or 0 when uninitialized.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice returns the slice value for key, or empty when uninitialized.
func GetStringSlice(key string) []string {
	if v == nil {
		return []string{}
	}
	return v.GetStringSlice(key)
}

// Set overrides key for the life of the process. No-op when uninitialized.
func Set(key string, value interface{}) {
	if v == nil {
		return
	}
	v.Set(key, value)
}

// AllSettings returns a snapshot of every resolved setting.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
