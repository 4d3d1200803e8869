// Package config defines the process configuration for the turf war
// snapshot service. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"turfwar/internal/types"
)

// SecretString is an alias for types.SecretString so secrets stay redacted in
// logs and config dumps.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the sections they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"turfwar"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	GameAPI       GameAPIConfig
	Scheduler     SchedulerConfig
	Rollup        RollupConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"3000"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s" validate:"gt=0"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s" validate:"gt=0"`
	// Game payloads for large guilds are several megabytes.
	MaxPayloadBytes int64 `envconfig:"MAX_PAYLOAD_BYTES" default:"52428800" validate:"gt=0"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"gt=0"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"gte=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// GameAPIConfig controls outbound calls to the game API.
type GameAPIConfig struct {
	Timeout    time.Duration `envconfig:"GAME_API_TIMEOUT" default:"30s" validate:"gt=0"`
	MaxRetries int           `envconfig:"GAME_API_MAX_RETRIES" default:"1" validate:"gte=0,lte=5"`
	UserAgent  string        `envconfig:"GAME_API_USER_AGENT" default:"turfwar-collector/1.0"`

	// Refuse loopback, private and metadata addresses when replaying job URLs.
	BlockPrivateNetworks bool `envconfig:"GAME_API_BLOCK_PRIVATE_NETWORKS" default:"true"`
	MaxRedirects         int  `envconfig:"GAME_API_MAX_REDIRECTS" default:"3" validate:"gte=0"`
}

// SchedulerConfig controls the per-guild trigger set and the failure breaker.
// Cron expressions are evaluated in UTC.
type SchedulerConfig struct {
	Enabled          bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`
	DropSchedule     string        `envconfig:"DROP_SCHEDULE" default:"45 * * * *" validate:"required"`
	SnipeSchedule    string        `envconfig:"SNIPE_SCHEDULE" default:"55 0,12,18 * * *" validate:"required"`
	StaggerDelay     time.Duration `envconfig:"STAGGER_DELAY" default:"3s" validate:"gte=0"`
	ReloadInterval   time.Duration `envconfig:"RELOAD_INTERVAL" default:"10m" validate:"gte=0"`
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"2" validate:"gte=1"`
	RunOnRegister    bool          `envconfig:"RUN_ON_REGISTER" default:"true"`
}

// RollupConfig controls the weekly performance rollup.
// RollupSchedule is evaluated in the reporting timezone (UTC+5).
type RollupConfig struct {
	Schedule    string `envconfig:"ROLLUP_SCHEDULE" default:"0 2 * * *"`
	Weeks       int    `envconfig:"ROLLUP_WEEKS" default:"8" validate:"gte=1,lte=52"`
	Concurrency int    `envconfig:"ROLLUP_CONCURRENCY" default:"4" validate:"gte=1"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Optional. Snapshot events are dropped when empty.
	SnapshotEventsQueueURL string `envconfig:"SNAPSHOT_EVENTS_QUEUE_URL" validate:"omitempty,url"`
}

// ObservabilityConfig selects the metrics backend.
type ObservabilityConfig struct {
	MetricsBackend   string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"TurfWar"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed into its field type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
