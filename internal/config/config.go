package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string        `env:"FULFILLMENT_ADDR" envDefault:":8070"`
	Store         string        `env:"FULFILLMENT_STORE" envDefault:"postgres"`
	DatabaseURL   string        `env:"FULFILLMENT_DATABASE_URL"`
	FallbackDBURL string        `env:"DATABASE_URL"`
	EnsureSchema  bool          `env:"FULFILLMENT_ENSURE_SCHEMA" envDefault:"false"`
	SyncWait      time.Duration `env:"FULFILLMENT_SYNC_WAIT" envDefault:"5s"`
	RecoverOnBoot bool          `env:"FULFILLMENT_RECOVER_ON_BOOT" envDefault:"true"`
	// Sweeper enables periodic recovery, like the -sweep flag.
	Sweeper bool `env:"FULFILLMENT_SWEEPER" envDefault:"false"`
	// SweepInterval is the recovery cadence; 0 disables the sweeper.
	SweepInterval time.Duration `env:"FULFILLMENT_SWEEP_INTERVAL" envDefault:"5m"`
	// SweepMinAge is how long a request must sit untouched before recovery
	// takes it over; it must exceed the slowest remote call.
	SweepMinAge time.Duration `env:"FULFILLMENT_SWEEP_MIN_AGE" envDefault:"2m"`

	AllowDebugToken bool   `env:"FULFILLMENT_ALLOW_DEBUG_TOKEN" envDefault:"false"`
	DebugToken      string `env:"FULFILLMENT_DEBUG_TOKEN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Saga       SagaConfig
	ServiceNow ServiceNowConfig
	Rundeck    RundeckConfig
	Kafka      KafkaConfig
	Archive    ArchiveConfig
	Redis      RedisConfig
	Supervisor SupervisorConfig
}

type SagaConfig struct {
	ApprovalRequired bool          `env:"FULFILLMENT_APPROVAL_REQUIRED" envDefault:"false"`
	PollBaseInterval time.Duration `env:"FULFILLMENT_POLL_BASE_INTERVAL" envDefault:"5s"`
	PollMaxInterval  time.Duration `env:"FULFILLMENT_POLL_MAX_INTERVAL" envDefault:"1m"`
	PollTimeout      time.Duration `env:"FULFILLMENT_POLL_TIMEOUT" envDefault:"30m"`
	MaxPollErrors    int           `env:"FULFILLMENT_MAX_POLL_ERRORS" envDefault:"5"`
	ResolutionCode   string        `env:"FULFILLMENT_RESOLUTION_CODE" envDefault:"Solved (Permanently)"`
	PublishTimeout   time.Duration `env:"FULFILLMENT_PUBLISH_TIMEOUT" envDefault:"2s"`
}

type ServiceNowConfig struct {
	URL      string        `env:"SERVICENOW_URL"`
	User     string        `env:"SERVICENOW_USER"`
	Password string        `env:"SERVICENOW_PASSWORD"`
	Table    string        `env:"SERVICENOW_TABLE" envDefault:"incident"`
	Timeout  time.Duration `env:"SERVICENOW_TIMEOUT" envDefault:"15s"`
}

type RundeckConfig struct {
	URL        string        `env:"RUNDECK_URL"`
	Token      string        `env:"RUNDECK_API_TOKEN"`
	JobID      string        `env:"RUNDECK_JOB_ID"`
	OptionName string        `env:"RUNDECK_OPTION_NAME" envDefault:"winget_id"`
	APIVersion int           `env:"RUNDECK_API_VERSION" envDefault:"41"`
	Timeout    time.Duration `env:"RUNDECK_TIMEOUT" envDefault:"15s"`
}

type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_STATUS_TOPIC" envDefault:"installdesk.request-status"`
}

type ArchiveConfig struct {
	Bucket string `env:"ARCHIVE_S3_BUCKET"`
	Prefix string `env:"ARCHIVE_S3_PREFIX" envDefault:"installdesk"`
}

type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"REDIS_CATALOG_TTL" envDefault:"5m"`
}

type SupervisorConfig struct {
	JWTSecret string `env:"SUPERVISOR_JWT_SECRET"`
	Issuer    string `env:"SUPERVISOR_JWT_ISSUER"`
	Role      string `env:"SUPERVISOR_ROLE" envDefault:"supervisor"`
}

var envFiles = []string{".env", ".env.local"}

// Load reads optional .env files and then the process environment.
func Load() (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the current environment without touching .env files.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.FallbackDBURL
	}
	cfg.Store = strings.ToLower(cfg.Store)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL or FULFILLMENT_DATABASE_URL required")
		}
	case "memory":
	default:
		return fmt.Errorf("FULFILLMENT_STORE must be postgres or memory, got %q", c.Store)
	}
	if c.Rundeck.URL != "" && c.Rundeck.JobID == "" {
		return fmt.Errorf("RUNDECK_JOB_ID required when RUNDECK_URL is set")
	}
	if c.Saga.PollBaseInterval <= 0 || c.Saga.PollMaxInterval < c.Saga.PollBaseInterval {
		return fmt.Errorf("poll intervals invalid: base=%s max=%s", c.Saga.PollBaseInterval, c.Saga.PollMaxInterval)
	}
	if c.Saga.PollTimeout <= 0 {
		return fmt.Errorf("FULFILLMENT_POLL_TIMEOUT must be positive")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("FULFILLMENT_SWEEP_INTERVAL must not be negative")
	}
	if c.SweepMinAge < 0 {
		return fmt.Errorf("FULFILLMENT_SWEEP_MIN_AGE must not be negative")
	}
	if c.AllowDebugToken && c.DebugToken == "" {
		return fmt.Errorf("FULFILLMENT_DEBUG_TOKEN required when FULFILLMENT_ALLOW_DEBUG_TOKEN=true")
	}
	return nil
}

func loadEnvFiles(files []string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
