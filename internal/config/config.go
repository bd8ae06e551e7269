// Package config defines the process configuration for the eventbell API and
// workers. Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret Files (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"eventbell/internal/types"
)

// SecretString is an alias for types.SecretString so that configuration
// secrets never leak through fmt or JSON.
type SecretString = types.SecretString

// Notification transports.
const (
	TransportPostgres = "postgres"
	TransportSQS      = "sqs"
)

// Config is the top-level configuration struct.
// Sub-components receive only the config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"eventbell"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json console"`
	// Timezone is the zone in which cron patterns and reminder texts are
	// rendered. Event instants are stored in UTC.
	Timezone string `envconfig:"TIMEZONE" default:"UTC" validate:"required,timezone"`

	Server        ServerConfig
	Database      DatabaseConfig
	Push          PushConfig
	Queue         QueueConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	Security      SecurityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// Location resolves Timezone. Validation guarantees it loads; UTC is the
// fallback for hand-built configs in tests.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"3789"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// PushConfig holds Web Push (VAPID) credentials and delivery settings.
type PushConfig struct {
	VAPIDPublicKey  string        `envconfig:"VAPID_PUBLIC_KEY" validate:"required"`
	VAPIDPrivateKey SecretString  `envconfig:"VAPID_PRIVATE_KEY" validate:"required"`
	Subject         string        `envconfig:"VAPID_SUBJECT" validate:"required"`
	TTL             int           `envconfig:"PUSH_TTL" default:"86400" validate:"min=0"`
	Timeout         time.Duration `envconfig:"PUSH_TIMEOUT" default:"10s"`
	DefaultIcon     string        `envconfig:"PUSH_DEFAULT_ICON" default:"/images/icon_128x128.png"`
	UserAgent       string        `envconfig:"PUSH_USER_AGENT" default:"eventbell-push/1.0"`

	// AllowPrivateEndpoints disables the outbound address guard. Only for
	// local push service emulators.
	AllowPrivateEndpoints bool `envconfig:"PUSH_ALLOW_PRIVATE_ENDPOINTS" default:"false"`
}

// QueueConfig tunes the job queue workers.
type QueueConfig struct {
	PollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	// StallTimeout is how long a claimed job may stay active before another
	// worker may reclaim it.
	StallTimeout time.Duration `envconfig:"QUEUE_STALL_TIMEOUT" default:"5m"`

	NotificationConcurrency int `envconfig:"NOTIFICATION_CONCURRENCY" default:"20" validate:"min=1"`
	ReminderConcurrency     int `envconfig:"REMINDER_CONCURRENCY" default:"10" validate:"min=1"`
	RecurrenceConcurrency   int `envconfig:"RECURRENCE_CONCURRENCY" default:"5" validate:"min=1"`

	NotificationTransport string `envconfig:"NOTIFICATION_TRANSPORT" default:"postgres" validate:"oneof=postgres sqs"`
	// SQSNotificationURL is required when NotificationTransport is sqs.
	SQSNotificationURL    string `envconfig:"SQS_NOTIFICATIONS" validate:"omitempty,url"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"EventBell"`
}

// SecurityConfig holds the operator access configuration.
type SecurityConfig struct {
	// OperatorKeyHash is a bcrypt hash of the operator API key. When empty,
	// the /v1 routes are served without authentication.
	OperatorKeyHash SecretString `envconfig:"OPERATOR_KEY_HASH"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure while reading a secret file.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
