package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Pipeline.MaxStagesParallel != 4 {
		t.Errorf("MaxStagesParallel = %d, want 4", cfg.Pipeline.MaxStagesParallel)
	}
	if cfg.Pipeline.MaxDocumentsParallel != 2 {
		t.Errorf("MaxDocumentsParallel = %d, want 2", cfg.Pipeline.MaxDocumentsParallel)
	}
	if cfg.Retry.InitialDelayMS != 1000 {
		t.Errorf("InitialDelayMS = %d, want 1000", cfg.Retry.InitialDelayMS)
	}
	if cfg.IsProduction() {
		t.Error("default environment must not be production")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen_addr: ":9090"
environment: staging
database_url: postgres://localhost/pipeline
object_store:
  driver: memory
retry:
  max_retries: 5
  initial_delay_ms: 500
  max_delay_ms: 60000
  backoff_multiplier: 2.0
  timeout_ms: 120000
  scheduler_interval: 5s
  policy_cache_ttl: 60s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.Environment != "staging" {
		t.Errorf("Environment = %q, want staging", cfg.Environment)
	}
	if cfg.ObjectStore.Driver != "memory" {
		t.Errorf("ObjectStore.Driver = %q, want memory", cfg.ObjectStore.Driver)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("Retry.MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
	// Untouched sections keep their defaults.
	if cfg.Alerts.AggregatorInterval != "30s" {
		t.Errorf("Alerts.AggregatorInterval = %q, want default 30s", cfg.Alerts.AggregatorInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config does not validate: %v", err)
	}
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"listen_addr": ":7070", "ai_service": {"endpoint": "http://embed:9000"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.ListenAddr)
	}
	if cfg.AIService.Endpoint != "http://embed:9000" {
		t.Errorf("AIService.Endpoint = %q", cfg.AIService.Endpoint)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`listen_addr: ":9090"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PIPELINE_LISTEN_ADDR", ":6060")
	t.Setenv("PIPELINE_ENVIRONMENT", "production")
	t.Setenv("PIPELINE_MAX_STAGES_PARALLEL", "8")
	t.Setenv("PIPELINE_OBJECT_STORE_PATH_STYLE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want env value :6060", cfg.ListenAddr)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction = false, want true")
	}
	if cfg.Pipeline.MaxStagesParallel != 8 {
		t.Errorf("MaxStagesParallel = %d, want 8", cfg.Pipeline.MaxStagesParallel)
	}
	if !cfg.ObjectStore.PathStyle {
		t.Error("PathStyle = false, want true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad environment", func(c *Config) { c.Environment = "qa" }},
		{"zero stage parallelism", func(c *Config) { c.Pipeline.MaxStagesParallel = 0 }},
		{"zero document parallelism", func(c *Config) { c.Pipeline.MaxDocumentsParallel = 0 }},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }},
		{"shrinking backoff", func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }},
		{"unknown object store", func(c *Config) { c.ObjectStore.Driver = "gcs" }},
		{"bad duration", func(c *Config) { c.Alerts.Retention = "yesterday" }},
		{"aggregator over bound", func(c *Config) { c.Alerts.AggregatorInterval = "2m" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}
