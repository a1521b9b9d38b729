package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the sync engine.
// Environment variables are parsed with the VITALSYNC_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// Entity store
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"~/.vitalsync/vitalsync.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Remote backend
	RemoteBaseURL string        `envconfig:"REMOTE_BASE_URL" default:"http://localhost:8080"`
	RemoteAPIKey  string        `envconfig:"REMOTE_API_KEY" default:""`
	RemoteTimeout time.Duration `envconfig:"REMOTE_TIMEOUT" default:"15s"`
	// RequireNonDateField rejects payloads that carry nothing but a date
	// before they reach the backend.
	RequireNonDateField bool `envconfig:"REQUIRE_NON_DATE_FIELD" default:"true"`

	// Outbox
	OutboxInterval    time.Duration `envconfig:"OUTBOX_INTERVAL" default:"30s"`
	OutboxBatchSize   int           `envconfig:"OUTBOX_BATCH_SIZE" default:"200"`
	OutboxMaxAttempts int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"8"`
	OutboxBaseBackoff time.Duration `envconfig:"OUTBOX_BASE_BACKOFF" default:"5s"`
	OutboxMaxBackoff  time.Duration `envconfig:"OUTBOX_MAX_BACKOFF" default:"1h"`
	OutboxStaleAfter  time.Duration `envconfig:"OUTBOX_STALE_AFTER" default:"10m"`
	Lanes             int           `envconfig:"LANES" default:"4"`

	// Sensor feed
	SensorDir string        `envconfig:"SENSOR_DIR" default:""`
	Debounce  time.Duration `envconfig:"DEBOUNCE" default:"2s"`
	OwnerID   string        `envconfig:"OWNER_ID" default:""`

	DefaultTimeZone string `envconfig:"DEFAULT_TIME_ZONE" default:"UTC"`

	// Status endpoint (health, metrics)
	HTTPPort int `envconfig:"HTTP_PORT" default:"9464"`
}

// ResolveDefaults validates the driver selection.
func (c *Config) ResolveDefaults() error {
	switch c.DBDriver {
	case "", "auto":
		if c.PostgresDSN != "" {
			c.DBDriver = "postgres"
		} else {
			c.DBDriver = "sqlite"
		}
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("DB_DRIVER=postgres requires POSTGRES_DSN")
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be > 0")
	}
	return nil
}

// New creates a new Config by parsing environment variables
// Example: VITALSYNC_DB_DRIVER=postgres VITALSYNC_POSTGRES_DSN=...
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("VITALSYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Str("remote_base_url", cfg.RemoteBaseURL).
		Dur("remote_timeout", cfg.RemoteTimeout).
		Dur("outbox_interval", cfg.OutboxInterval).
		Int("outbox_max_attempts", cfg.OutboxMaxAttempts).
		Int("lanes", cfg.Lanes).
		Str("sensor_dir", cfg.SensorDir).
		Bool("require_non_date_field", cfg.RequireNonDateField).
		Str("postgres_dsn_present", func() string {
			if cfg.PostgresDSN != "" {
				return "true"
			}
			return "false"
		}()).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:         EnvTesting,
		LogLevel:            "debug",
		DBDriver:            "sqlite",
		RemoteBaseURL:       "http://localhost:0",
		RemoteTimeout:       2 * time.Second,
		RequireNonDateField: true,
		OutboxInterval:      50 * time.Millisecond,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxBaseBackoff:   10 * time.Millisecond,
		OutboxMaxBackoff:    100 * time.Millisecond,
		OutboxStaleAfter:    time.Minute,
		Lanes:               2,
		Debounce:            20 * time.Millisecond,
		DefaultTimeZone:     "UTC",
		HTTPPort:            0,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the status server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
