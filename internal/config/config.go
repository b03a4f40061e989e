package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

const (
	StorageSQLite = "sqlite"
	StorageMongo  = "mongo"
	StorageMemory = "memory"

	EmailSMTP     = "smtp"
	EmailPostmark = "postmark"
	EmailLog      = "log"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	StorageDriver  string        `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string        `env:"DATABASE_URL" envDefault:"licenses.db"`
	MongoURL       string        `env:"MONGODB_URL"`
	MongoDatabase  string        `env:"MONGODB_DATABASE" envDefault:"licensing"`
	MongoTimeout   time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	MongoRetries   int           `env:"MONGODB_RETRY_ATTEMPTS" envDefault:"3"`
	MongoRetryWait time.Duration `env:"MONGODB_RETRY_INTERVAL" envDefault:"5s"`

	StripeSecret        string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	// Empty RedisURL selects the in-process subscription lock.
	RedisURL    string        `env:"REDIS_URL"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`

	EmailService         string `env:"EMAIL_SERVICE" envDefault:"log"`
	SMTPHost             string `env:"SMTP_HOST"`
	SMTPPort             string `env:"SMTP_PORT"`
	SMTPUsername         string `env:"SMTP_USER"`
	SMTPPassword         string `env:"SMTP_PASS"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailFrom            string `env:"EMAIL_FROM" envDefault:"licenses@auto-focus.app"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"help@auto-focus.app"`

	NotifyQueueSize int `env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`
	NotifyWorkers   int `env:"NOTIFY_WORKERS" envDefault:"2"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://auto-focus.app"`

	SentryDSN string `env:"SENTRY_DSN"`
}

// New loads .env (if present), parses the environment and validates the result.
func New() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses the environment without validating it. Maintenance commands
// that only touch storage use it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.StripeSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_SECRET_KEY environment variable is required"))
	}
	if c.StripeWebhookSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required"))
	}
	if c.ProviderTimeout <= 0 {
		result = multierror.Append(result, errors.New("PROVIDER_TIMEOUT must be positive"))
	}

	switch c.StorageDriver {
	case StorageSQLite:
		if c.DatabaseURL == "" {
			result = multierror.Append(result, errors.New("DATABASE_URL environment variable is required for sqlite storage"))
		}
	case StorageMongo:
		if c.MongoURL == "" {
			result = multierror.Append(result, errors.New("MONGODB_URL environment variable is required for mongo storage"))
		}
	case StorageMemory:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	switch c.EmailService {
	case EmailSMTP:
		if c.SMTPHost == "" || c.SMTPPort == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			result = multierror.Append(result, errors.New("SMTP_HOST, SMTP_PORT, SMTP_USER, and SMTP_PASS environment variables are required when using SMTP"))
		}
	case EmailPostmark:
		if c.PostmarkServerToken == "" || c.PostmarkAccountToken == "" {
			result = multierror.Append(result, errors.New("POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN environment variables are required when using Postmark"))
		}
	case EmailLog:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown EMAIL_SERVICE %q", c.EmailService))
	}

	if c.NotifyWorkers < 1 {
		result = multierror.Append(result, errors.New("NOTIFY_WORKERS must be at least 1"))
	}

	return result.ErrorOrNil()
}
