// Package config defines the configuration structure for the campaign email
// engine. Configuration is loaded once at process start (Lambda cold start or
// server boot) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret references (Lowest)
//
// Any missing required value or invalid format fails the process on startup.
package config

import (
	"time"

	"eventmail/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for secret fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only the
// subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"eventmail"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Email         EmailConfig
	Billing       BillingConfig
	Dispatch      DispatchConfig
	Retry         RetryConfig
	Unsubscribe   UnsubscribeConfig
	Redis         RedisConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URL of this API (no trailing slash), used to build unsubscribe links.
	APIExternalURL string        `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	MigrateOnStart bool          `envconfig:"MIGRATE_ON_START" default:"false"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	TrackingQueueURL string `envconfig:"SQS_TRACKING_EVENTS" validate:"omitempty,url"`
	RetryQueueURL    string `envconfig:"SQS_EMAIL_RETRIES" validate:"omitempty,url"`
	// Raw webhook payload archive. Archiving is disabled when empty.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig holds email provider credentials and sender identity.
type EmailConfig struct {
	Provider       string       `envconfig:"EMAIL_PROVIDER" default:"sendgrid" validate:"oneof=sendgrid stub"`
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	// Base64 DER public key from the SendGrid signed event webhook settings.
	// Signature verification is skipped when empty.
	WebhookPublicKey string        `envconfig:"SENDGRID_WEBHOOK_PUBLIC_KEY"`
	WebhookTolerance time.Duration `envconfig:"SENDGRID_WEBHOOK_TOLERANCE" default:"10m"`
	FromAddress      string        `envconfig:"EMAIL_FROM_ADDRESS" default:"events@example.com" validate:"email"`
	FromName         string        `envconfig:"EMAIL_FROM_NAME" default:"Event Team"`
}

// BillingConfig holds the Stripe webhook secret used to fire payment triggers.
type BillingConfig struct {
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// DispatchConfig controls the scheduled email dispatcher.
type DispatchConfig struct {
	Interval    time.Duration `envconfig:"DISPATCH_INTERVAL" default:"5m"`
	Window      time.Duration `envconfig:"DISPATCH_WINDOW" default:"168h"`
	SendTimeout time.Duration `envconfig:"DISPATCH_SEND_TIMEOUT" default:"15s"`
	Concurrency int           `envconfig:"DISPATCH_CONCURRENCY" default:"4" validate:"min=1,max=64"`
	BatchLimit  int           `envconfig:"DISPATCH_BATCH_LIMIT" default:"100" validate:"min=1"`
	// A queued reservation older than this is considered abandoned and may be reclaimed.
	ReservationLease time.Duration `envconfig:"DISPATCH_RESERVATION_LEASE" default:"15m"`
}

// RetryConfig controls soft bounce retries.
type RetryConfig struct {
	Backoff      []time.Duration `envconfig:"RETRY_BACKOFF" default:"1h,4h,24h" validate:"min=1"`
	MaxRetries   int             `envconfig:"RETRY_MAX_RETRIES" default:"3" validate:"min=1,max=10"`
	ScanInterval time.Duration   `envconfig:"RETRY_SCAN_INTERVAL" default:"30m"`
	ScanGrace    time.Duration   `envconfig:"RETRY_SCAN_GRACE" default:"5m"`
	ScanLimit    int             `envconfig:"RETRY_SCAN_LIMIT" default:"500" validate:"min=1"`
	SendTimeout  time.Duration   `envconfig:"RETRY_SEND_TIMEOUT" default:"15s"`
}

// UnsubscribeConfig controls unsubscribe tokens and link generation.
type UnsubscribeConfig struct {
	TokenTTL time.Duration `envconfig:"UNSUBSCRIBE_TOKEN_TTL" default:"336h"`
	// Path appended to API_EXTERNAL_URL when building unsubscribe links.
	LinkPath string `envconfig:"UNSUBSCRIBE_LINK_PATH" default:"/v1/unsubscribe"`
	// Expired tokens older than this are purged by the maintenance task.
	PurgeAfter time.Duration `envconfig:"UNSUBSCRIBE_PURGE_AFTER" default:"720h"`
}

// RedisConfig configures the webhook replay guard. The guard is disabled when URL is empty.
type RedisConfig struct {
	URL       SecretString  `envconfig:"REDIS_URL"`
	DedupeTTL time.Duration `envconfig:"REDIS_DEDUPE_TTL" default:"72h"`
}

// SecurityConfig holds credentials for the operator API.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"EventMail"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
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
	// ErrSecretResolution indicates a secret reference could not be resolved.
	ErrSecretResolution ConfigErrorType = "SECRET_RESOLUTION_FAILED"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
