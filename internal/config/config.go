// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIKey      string `mapstructure:"api_key"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	QueueDepth        int `mapstructure:"queue_depth"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

// PipelineConfig tunes unit retries and result batching.
type PipelineConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	ResultBatchSize  int `mapstructure:"result_batch_size"`
}

// ExtractorConfig configures the default web extraction capability.
type ExtractorConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// CaptureConfig configures the headless screenshot subsystem.
type CaptureConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects the job store and the local output root.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes"`
	MigrateOnStart         bool   `mapstructure:"migrate_on_start"`
}

// UploadConfig configures the remote uploader and its backend.
type UploadConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is "gcs", "s3" or "local".
	Backend        string         `mapstructure:"backend"`
	Bucket         string         `mapstructure:"bucket"`
	Prefix         string         `mapstructure:"prefix"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	MaxRetries     int            `mapstructure:"max_retries"`
	RetryDelayMs   int            `mapstructure:"retry_delay_ms"`
	QueueSize      int            `mapstructure:"queue_size"`
	Workers        int            `mapstructure:"workers"`
	S3             S3Config       `mapstructure:"s3"`
	Local          LocalDirConfig `mapstructure:"local"`
}

// S3Config holds S3-compatible endpoint credentials.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LocalDirConfig points the local backend at a directory.
type LocalDirConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LifecycleConfig configures retention sweeps.
type LifecycleConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ArchiveAfterDays int    `mapstructure:"archive_after_days"`
	DeleteAfterDays  int    `mapstructure:"delete_after_days"`
	DeletionStrategy string `mapstructure:"deletion_strategy"`
	ArchiveSchedule  string `mapstructure:"archive_schedule"`
	CleanupSchedule  string `mapstructure:"cleanup_schedule"`
	StatsSchedule    string `mapstructure:"stats_schedule"`
}

// PubSubConfig holds metadata for job-finished notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry tracing. A non-empty ProjectID exports
// spans to Cloud Trace.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.job_timeout_seconds", 3600)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_initial_ms", 250)
	v.SetDefault("pipeline.backoff_max_ms", 5000)
	v.SetDefault("pipeline.result_batch_size", 50)
	v.SetDefault("extractor.user_agent", "scrape-orchestrator/1.0")
	v.SetDefault("extractor.timeout_seconds", 30)
	v.SetDefault("extractor.max_body_bytes", 10<<20)
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.max_parallel", 1)
	v.SetDefault("capture.nav_timeout_seconds", 45)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.conn_max_lifetime_minutes", 30)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("upload.enabled", false)
	v.SetDefault("upload.backend", "local")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.prefix", "")
	v.SetDefault("upload.timeout_seconds", 300)
	v.SetDefault("upload.max_retries", 3)
	v.SetDefault("upload.retry_delay_ms", 1000)
	v.SetDefault("upload.queue_size", 64)
	v.SetDefault("upload.workers", 1)
	v.SetDefault("upload.s3.endpoint", "")
	v.SetDefault("upload.s3.region", "")
	v.SetDefault("upload.s3.access_key", "")
	v.SetDefault("upload.s3.secret_key", "")
	v.SetDefault("upload.s3.use_ssl", true)
	v.SetDefault("upload.local.base_dir", "./uploads")
	v.SetDefault("lifecycle.enabled", true)
	v.SetDefault("lifecycle.archive_after_days", 7)
	v.SetDefault("lifecycle.delete_after_days", 30)
	v.SetDefault("lifecycle.deletion_strategy", "soft")
	v.SetDefault("lifecycle.archive_schedule", "0 2 * * *")
	v.SetDefault("lifecycle.cleanup_schedule", "0 3 * * *")
	v.SetDefault("lifecycle.stats_schedule", "0 */6 * * *")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scrape-orchestrator")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Worker.JobTimeoutSeconds < 0 {
		return fmt.Errorf("worker.job_timeout_seconds must be >= 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Extractor.TimeoutSeconds <= 0 {
		return fmt.Errorf("extractor.timeout_seconds must be > 0")
	}
	if c.Capture.Enabled && c.Capture.MaxParallel <= 0 {
		return fmt.Errorf("capture.max_parallel must be > 0 when capture is enabled")
	}
	if strings.TrimSpace(c.Storage.BaseDir) == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Upload.validate(); err != nil {
		return err
	}
	if c.Lifecycle.ArchiveAfterDays < 1 || c.Lifecycle.ArchiveAfterDays > 365 {
		return fmt.Errorf("lifecycle.archive_after_days must be between 1 and 365")
	}
	if c.Lifecycle.DeleteAfterDays < 1 || c.Lifecycle.DeleteAfterDays > 365 {
		return fmt.Errorf("lifecycle.delete_after_days must be between 1 and 365")
	}
	if c.Lifecycle.DeletionStrategy != "soft" && c.Lifecycle.DeletionStrategy != "hard" {
		return fmt.Errorf("lifecycle.deletion_strategy must be soft or hard")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

func (u UploadConfig) validate() error {
	if u.TimeoutSeconds <= 0 {
		return fmt.Errorf("upload.timeout_seconds must be > 0")
	}
	if u.MaxRetries < 0 {
		return fmt.Errorf("upload.max_retries must be >= 0")
	}
	if !u.Enabled {
		return nil
	}
	switch u.Backend {
	case "gcs":
		if u.Bucket == "" {
			return fmt.Errorf("upload.bucket is required for the gcs backend")
		}
	case "s3":
		if u.Bucket == "" || u.S3.Endpoint == "" {
			return fmt.Errorf("upload.bucket and upload.s3.endpoint are required for the s3 backend")
		}
	case "local":
		if u.Local.BaseDir == "" {
			return fmt.Errorf("upload.local.base_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("upload.backend must be gcs, s3 or local, got %q", u.Backend)
	}
	return nil
}

// JobTimeout returns the per-job wall-clock limit.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
}

// RequestTimeout returns the HTTP handler deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// UploadTimeout bounds one job's upload.
func (c Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutSeconds) * time.Second
}

// UploadRetryDelay is the first retry delay of a failed artifact.
func (c Config) UploadRetryDelay() time.Duration {
	return time.Duration(c.Upload.RetryDelayMs) * time.Millisecond
}
