package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitialize(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
}

func TestDefaults(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"http.addr", ":8080", func(k string) interface{} { return GetString(k) }},
		{"dev", false, func(k string) interface{} { return GetBool(k) }},
		{"ground.concurrency", 4, func(k string) interface{} { return GetInt(k) }},
		{"structure.concurrency", 4, func(k string) interface{} { return GetInt(k) }},
		{"outbox.max_retries", 3, func(k string) interface{} { return GetInt(k) }},
		{"outbox.poll_interval_ms", 1000, func(k string) interface{} { return GetInt(k) }},
		{"circuit.failure_threshold", 5, func(k string) interface{} { return GetInt(k) }},
		{"circuit.window_sec", 30, func(k string) interface{} { return GetInt(k) }},
		{"cache.ttl_seconds", 3600, func(k string) interface{} { return GetInt(k) }},
		{"cache.capacity", 10_000, func(k string) interface{} { return GetInt(k) }},
		{"llm.timeout_ms", 30_000, func(k string) interface{} { return GetInt(k) }},
		{"pipeline.max_criteria", 0, func(k string) interface{} { return GetInt(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"SIEVE_GROUND_CONCURRENCY", "ground.concurrency", "8", 8, func(k string) interface{} { return GetInt(k) }},
		{"GROUND_CONCURRENCY", "ground.concurrency", "6", 6, func(k string) interface{} { return GetInt(k) }},
		{"OUTBOX_MAX_RETRIES", "outbox.max_retries", "5", 5, func(k string) interface{} { return GetInt(k) }},
		{"PIPELINE_MAX_CRITERIA", "pipeline.max_criteria", "100", 100, func(k string) interface{} { return GetInt(k) }},
		{"CIRCUIT_WINDOW_SEC", "circuit.window_sec", "45", 45, func(k string) interface{} { return GetInt(k) }},
		{"CACHE_TTL_SECONDS", "cache.ttl_seconds", "60", 60, func(k string) interface{} { return GetInt(k) }},
		{"SIEVE_DEV", "dev", "true", true, func(k string) interface{} { return GetBool(k) }},
		{"SIEVE_DATABASE_URL", "database.url", "postgres://localhost/sieve", "postgres://localhost/sieve", func(k string) interface{} { return GetString(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)

			if err := Initialize(); err != nil {
				t.Fatalf("Initialize() returned error: %v", err)
			}
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("get(%q) with %s=%s = %v, want %v", tt.key, tt.envVar, tt.value, got, tt.expected)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	configContent := `
ground:
  concurrency: 2
outbox:
  max_retries: 7
umls:
  api_key: test-key
`
	if err := os.WriteFile(filepath.Join(tmpDir, "sieve.yaml"), []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Chdir(tmpDir)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := GetInt("ground.concurrency"); got != 2 {
		t.Errorf("GetInt(ground.concurrency) = %d, want 2", got)
	}
	if got := GetInt("outbox.max_retries"); got != 7 {
		t.Errorf("GetInt(outbox.max_retries) = %d, want 7", got)
	}
	if got := GetString("umls.api_key"); got != "test-key" {
		t.Errorf("GetString(umls.api_key) = %q, want test-key", got)
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "sieve.yaml"), []byte("ground:\n  concurrency: 2\n"), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Chdir(tmpDir)
	t.Setenv("SIEVE_GROUND_CONCURRENCY", "9")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := GetInt("ground.concurrency"); got != 9 {
		t.Errorf("GetInt(ground.concurrency) = %d, want 9 (env should override file)", got)
	}
}

func TestNilViperBehavior(t *testing.T) {
	savedV := v
	v = nil
	defer func() { v = savedV }()

	if got := GetString("any-key"); got != "" {
		t.Errorf("GetString with nil viper = %q, want \"\"", got)
	}
	if got := GetBool("any-key"); got != false {
		t.Errorf("GetBool with nil viper = %v, want false", got)
	}
	if got := GetInt("any-key"); got != 0 {
		t.Errorf("GetInt with nil viper = %d, want 0", got)
	}
	if got := GetDuration("any-key"); got != 0 {
		t.Errorf("GetDuration with nil viper = %v, want 0", got)
	}
	if got := GetStringSlice("any-key"); len(got) != 0 {
		t.Errorf("GetStringSlice with nil viper = %v, want empty", got)
	}
	if got := AllSettings(); len(got) != 0 {
		t.Errorf("AllSettings with nil viper = %v, want empty", got)
	}
	Set("any-key", "any-value") // must not panic
}

func TestLoad(t *testing.T) {
	t.Setenv("SIEVE_DATABASE_URL", "postgres://localhost:5432/sieve")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Outbox.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Outbox.PollInterval)
	}
	if cfg.Outbox.DeadLetterTTL != 168*time.Hour {
		t.Errorf("DeadLetterTTL = %v, want 168h", cfg.Outbox.DeadLetterTTL)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("LLM.Timeout = %v, want 30s", cfg.LLM.Timeout)
	}
	if cfg.Pipeline.EntityDeadline != 2*time.Minute {
		t.Errorf("EntityDeadline = %v, want 2m", cfg.Pipeline.EntityDeadline)
	}
	if cfg.Circuit.Window != 30*time.Second {
		t.Errorf("Circuit.Window = %v, want 30s", cfg.Circuit.Window)
	}
	if cfg.WorkerID == "" {
		t.Error("WorkerID should default to host-pid")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("Load() without database.url should fail validation")
	}
}

func TestLoadRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("SIEVE_DATABASE_URL", "postgres://localhost:5432/sieve")
	t.Setenv("GROUND_CONCURRENCY", "0")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("Load() with GROUND_CONCURRENCY=0 should fail validation")
	}
}
