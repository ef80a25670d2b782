// Package config loads service settings from an optional YAML file and CITO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full service configuration.
type Config struct {
	Log       Log       `yaml:"log"`
	HTTP      HTTP      `yaml:"http"`
	DB        DB        `yaml:"db"`
	Auth      Auth      `yaml:"auth"`
	Dedup     Dedup     `yaml:"dedup"`
	Queue     Queue     `yaml:"queue"`
	Notify    Notify    `yaml:"notify"`
	Scheduler Scheduler `yaml:"scheduler"`
	Catalog   Catalog   `yaml:"catalog"`
}

// Log selects the zap level and encoding.
type Log struct {
	Level  string `yaml:"level" env:"CITO_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"CITO_LOG_FORMAT" env-default:"json"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr            string        `yaml:"addr" env:"CITO_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"CITO_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CITO_HTTP_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CITO_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// DB configures the Postgres pool. AutoMigrate applies migrations on serve.
type DB struct {
	URL             string        `yaml:"url" env:"CITO_DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"CITO_DB_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"CITO_DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CITO_DB_CONN_MAX_LIFETIME" env-default:"30m"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"CITO_DB_AUTO_MIGRATE" env-default:"true"`
}

// Auth holds the JWT secret and the optional HMAC secret for event ingestion.
type Auth struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"CITO_JWT_SECRET"`
	IngestSecret  string        `yaml:"ingest_secret" env:"CITO_INGEST_SECRET"`
	IngestMaxSkew time.Duration `yaml:"ingest_max_skew" env:"CITO_INGEST_MAX_SKEW" env-default:"5m"`
}

// Dedup bounds retries of conflicting concurrent reports.
type Dedup struct {
	ConflictRetries int           `yaml:"conflict_retries" env:"CITO_DEDUP_CONFLICT_RETRIES" env-default:"3"`
	RetryInterval   time.Duration `yaml:"retry_interval" env:"CITO_DEDUP_RETRY_INTERVAL" env-default:"10ms"`
}

// Queue enables the Kafka and NATS listeners when brokers or a URL are set.
type Queue struct {
	KafkaBrokers []string `yaml:"kafka_brokers" env:"CITO_KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `yaml:"kafka_topic" env:"CITO_KAFKA_TOPIC" env-default:"cito.events"`
	KafkaGroup   string   `yaml:"kafka_group" env:"CITO_KAFKA_GROUP" env-default:"cito-engine"`
	NATSURL      string   `yaml:"nats_url" env:"CITO_NATS_URL"`
	NATSSubject  string   `yaml:"nats_subject" env:"CITO_NATS_SUBJECT" env-default:"cito.events"`
	NATSQueue    string   `yaml:"nats_queue" env:"CITO_NATS_QUEUE" env-default:"cito-engine"`
}

// Notify configures the webhook notifier and NATS fan-out.
type Notify struct {
	WebhookURL      string        `yaml:"webhook_url" env:"CITO_NOTIFY_WEBHOOK_URL"`
	Template        string        `yaml:"template" env:"CITO_NOTIFY_TEMPLATE"`
	Timeout         time.Duration `yaml:"timeout" env:"CITO_NOTIFY_TIMEOUT" env-default:"5s"`
	Cooldown        time.Duration `yaml:"cooldown" env:"CITO_NOTIFY_COOLDOWN" env-default:"0s"`
	DedupeWindow    time.Duration `yaml:"dedupe_window" env:"CITO_NOTIFY_DEDUPE_WINDOW" env-default:"0s"`
	EscalateAfter   time.Duration `yaml:"escalate_after" env:"CITO_NOTIFY_ESCALATE_AFTER" env-default:"0s"`
	NotifyFolds     bool          `yaml:"notify_folds" env:"CITO_NOTIFY_FOLDS" env-default:"false"`
	NATSSubjectBase string        `yaml:"nats_subject_base" env:"CITO_NOTIFY_NATS_SUBJECT" env-default:"cito.incidents"`
}

// Scheduler holds the cron spec for stats gauges.
type Scheduler struct {
	StatsSpec string `yaml:"stats_spec" env:"CITO_STATS_SPEC" env-default:"@every 1m"`
}

// Catalog points at an optional YAML seed applied on serve.
type Catalog struct {
	SeedPath string `yaml:"seed_path" env:"CITO_CATALOG_SEED"`
}

// Load reads path when it exists and applies environment overrides. It does not
// validate; callers use ValidateServe, ValidateDB or ValidateJWT for their command.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("config: %w", statErr)
		}
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// ValidateServe checks the settings required to run the API server.
func (c *Config) ValidateServe() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if err := c.ValidateDB(); err != nil {
		return err
	}
	if err := c.ValidateJWT(); err != nil {
		return err
	}
	if c.Dedup.ConflictRetries < 0 {
		return errors.New("config: dedup conflict retries must be >= 0")
	}
	return nil
}

// ValidateDB checks the settings required to reach the database.
func (c *Config) ValidateDB() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if c.DB.URL == "" {
		return errors.New("config: CITO_DATABASE_URL is required")
	}
	return nil
}

// ValidateJWT checks that tokens can be signed and verified.
func (c *Config) ValidateJWT() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: CITO_JWT_SECRET is required")
	}
	return nil
}

// Usage describes the supported environment variables.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err.Error()
	}
	return text
}
