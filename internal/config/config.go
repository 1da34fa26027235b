// Package config provides configuration loading for the pipeline daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"
)

// Config holds all pipeline daemon configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`

	// Environment is "development", "staging", or "production". Baseline
	// storage is rejected in production.
	Environment string `json:"environment"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `json:"database_url"`

	// WorkDir is the root for per-request staging directories.
	WorkDir string `json:"work_dir"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// OTLPEndpoint enables trace export when set (host:port).
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Object store settings
	ObjectStore ObjectStoreConfig `json:"object_store"`

	// Embedding service settings
	AIService AIServiceConfig `json:"ai_service"`

	// Pipeline concurrency settings
	Pipeline PipelineConfig `json:"pipeline"`

	// Retry fallback policy and scheduler settings
	Retry RetryConfig `json:"retry"`

	// Alert aggregation settings
	Alerts AlertsConfig `json:"alerts"`

	// Maintenance sweep settings
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// ObjectStoreConfig selects and configures the blob backend.
type ObjectStoreConfig struct {
	// Driver is "s3" or "memory" (memory is for development only).
	Driver    string `json:"driver"`
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	PathStyle bool   `json:"path_style,omitempty"`
}

// AIServiceConfig configures the embedding service client.
type AIServiceConfig struct {
	Endpoint       string `json:"endpoint,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// PipelineConfig bounds orchestrator parallelism.
type PipelineConfig struct {
	// MaxStagesParallel bounds sibling stages running within one request.
	MaxStagesParallel int `json:"max_stages_parallel"`
	// MaxDocumentsParallel bounds documents processed at once in batch mode.
	MaxDocumentsParallel int `json:"max_documents_parallel"`
}

// RetryConfig holds the fallback retry policy used when the store has no
// row for a (service, stage) pair, plus scheduler cadence.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries"`
	InitialDelayMS    int     `json:"initial_delay_ms"`
	MaxDelayMS        int     `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	TimeoutMS         int     `json:"timeout_ms"`

	// SchedulerInterval is how often due async retries are claimed.
	SchedulerInterval string `json:"scheduler_interval"`
	// PolicyCacheTTL bounds staleness of cached policies.
	PolicyCacheTTL string `json:"policy_cache_ttl"`
}

// AlertsConfig tunes the aggregation loop.
type AlertsConfig struct {
	// AggregatorInterval is the tick period (must not exceed 60s).
	AggregatorInterval string `json:"aggregator_interval"`
	// ConfigCacheTTL bounds staleness of cached alert configurations.
	ConfigCacheTTL string `json:"config_cache_ttl"`
	// Retention is how long processed queue items are kept.
	Retention string `json:"retention"`
	// WebhookURL receives dispatches from the generic webhook channel.
	WebhookURL string `json:"webhook_url,omitempty"`
	// SlackWebhookURL receives dispatches formatted for Slack.
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
}

// MaintenanceConfig tunes the recovery sweeper.
type MaintenanceConfig struct {
	// Schedule is a Go duration ("10m") or a standard cron expression.
	Schedule string `json:"schedule"`
	// StaleInProgressHorizon reconciles in_progress entries older than
	// this back to pending.
	StaleInProgressHorizon string `json:"stale_in_progress_horizon"`
	// ErrorRetention prunes resolved and failed pipeline errors older
	// than this.
	ErrorRetention string `json:"error_retention"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		Environment: "development",
		WorkDir:     "/var/lib/librarius",
		LogLevel:    "info",
		ObjectStore: ObjectStoreConfig{
			Driver: "s3",
			Region: "us-east-1",
			Bucket: "documents",
		},
		AIService: AIServiceConfig{
			TimeoutSeconds: 60,
		},
		Pipeline: PipelineConfig{
			MaxStagesParallel:    4,
			MaxDocumentsParallel: 2,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelayMS:    1000,
			MaxDelayMS:        60000,
			BackoffMultiplier: 2.0,
			TimeoutMS:         120000,
			SchedulerInterval: "5s",
			PolicyCacheTTL:    "60s",
		},
		Alerts: AlertsConfig{
			AggregatorInterval: "30s",
			ConfigCacheTTL:     "60s",
			Retention:          "24h",
		},
		Maintenance: MaintenanceConfig{
			Schedule:               "10m",
			StaleInProgressHorizon: "30m",
			ErrorRetention:         "168h",
		},
	}
}

// Load reads configuration from a file (YAML or JSON), then overlays
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PIPELINE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PIPELINE_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("PIPELINE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PIPELINE_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("PIPELINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PIPELINE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("PIPELINE_OBJECT_STORE_DRIVER"); v != "" {
		cfg.ObjectStore.Driver = v
	}
	if v := os.Getenv("PIPELINE_OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("PIPELINE_OBJECT_STORE_REGION"); v != "" {
		cfg.ObjectStore.Region = v
	}
	if v := os.Getenv("PIPELINE_OBJECT_STORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("PIPELINE_OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("PIPELINE_OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("PIPELINE_OBJECT_STORE_PATH_STYLE"); v != "" {
		cfg.ObjectStore.PathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("PIPELINE_AI_ENDPOINT"); v != "" {
		cfg.AIService.Endpoint = v
	}
	if v := os.Getenv("PIPELINE_AI_API_KEY"); v != "" {
		cfg.AIService.APIKey = v
	}
	if v := os.Getenv("PIPELINE_AI_MODEL"); v != "" {
		cfg.AIService.Model = v
	}
	if v := os.Getenv("PIPELINE_MAX_STAGES_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxStagesParallel = n
		}
	}
	if v := os.Getenv("PIPELINE_MAX_DOCUMENTS_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxDocumentsParallel = n
		}
	}
	if v := os.Getenv("PIPELINE_ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
	if v := os.Getenv("PIPELINE_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.SlackWebhookURL = v
	}

	return cfg, nil
}

// Validate checks cross-field consistency and duration syntax.
func (c Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("environment %q is not one of development, staging, production", c.Environment)
	}
	if c.Pipeline.MaxStagesParallel < 1 {
		return fmt.Errorf("max_stages_parallel must be at least 1, got %d", c.Pipeline.MaxStagesParallel)
	}
	if c.Pipeline.MaxDocumentsParallel < 1 {
		return fmt.Errorf("max_documents_parallel must be at least 1, got %d", c.Pipeline.MaxDocumentsParallel)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %v", c.Retry.BackoffMultiplier)
	}
	switch c.ObjectStore.Driver {
	case "s3", "memory":
	default:
		return fmt.Errorf("object store driver %q is not one of s3, memory", c.ObjectStore.Driver)
	}

	durations := map[string]string{
		"retry.scheduler_interval":              c.Retry.SchedulerInterval,
		"retry.policy_cache_ttl":                c.Retry.PolicyCacheTTL,
		"alerts.aggregator_interval":            c.Alerts.AggregatorInterval,
		"alerts.config_cache_ttl":               c.Alerts.ConfigCacheTTL,
		"alerts.retention":                      c.Alerts.Retention,
		"maintenance.stale_in_progress_horizon": c.Maintenance.StaleInProgressHorizon,
		"maintenance.error_retention":           c.Maintenance.ErrorRetention,
	}
	for field, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	if interval, _ := time.ParseDuration(c.Alerts.AggregatorInterval); interval > time.Minute {
		return fmt.Errorf("alerts.aggregator_interval %s exceeds the 60s bound", c.Alerts.AggregatorInterval)
	}
	return nil
}

// Duration parses a duration-typed field that Validate has already vetted.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// IsProduction reports whether the daemon runs in the production
// environment, where baseline writes are forbidden.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
