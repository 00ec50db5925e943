package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	DBDriver         string // "postgres" or "sqlite"
	DatabaseURL      string
	CredsPath        string
	DBConnectTimeout time.Duration

	ConflictPolicy    domain.ConflictPolicy
	DiscardSampleSize int

	KafkaBrokers      []string
	KafkaSourceTopic  string
	KafkaSummaryTopic string
	KafkaGroupID      string
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	ShutdownTimeout   time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration
}

// DefaultSQLitePath is used when neither DATABASE_URL nor CREDS_PATH is set.
const DefaultSQLitePath = "data/air_quality.db"

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is loaded first if
// present; it never overrides variables already set. A .env that exists but
// cannot be read or parsed is an error.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	connectTimeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("DB_CONNECT_TIMEOUT", "30s"))
	if err != nil || connectTimeout < 0 {
		return nil, errors.New("invalid DB_CONNECT_TIMEOUT")
	}

	policy, err := domain.ParseConflictPolicy(os.Getenv("CONFLICT_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONFLICT_POLICY: %w", err)
	}

	sampleSize, err := parseSampleSize()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBDriver:          strings.ToLower(sharedcfg.EnvOrDefault("DB_DRIVER", "sqlite")),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		CredsPath:         os.Getenv("CREDS_PATH"),
		DBConnectTimeout:  connectTimeout,
		ConflictPolicy:    policy,
		DiscardSampleSize: sampleSize,

		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "openaq-measurements"),
		KafkaSummaryTopic:  sharedcfg.EnvOrDefault("KAFKA_SUMMARY_TOPIC", "air-quality-load-runs"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "air-quality-etl"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
	}

	if cfg.CredsPath != "" && cfg.DatabaseURL == "" {
		creds, err := LoadCredentials(cfg.CredsPath)
		if err != nil {
			return nil, err
		}
		cfg.DBDriver = creds.Driver()
		cfg.DatabaseURL = creds.URL()
	}

	switch cfg.DBDriver {
	case "postgres", "postgresql":
		cfg.DBDriver = "postgres"
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL or CREDS_PATH is required for the postgres driver")
		}
	case "sqlite", "sqlite3":
		cfg.DBDriver = "sqlite"
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = DefaultSQLitePath
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSourceTopic == "" {
		return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
	}

	return cfg, nil
}

func parseSampleSize() (int, error) {
	s := os.Getenv("DISCARD_SAMPLE_SIZE")
	if s == "" {
		return domain.DefaultDiscardSamples, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid DISCARD_SAMPLE_SIZE")
	}
	return n, nil
}
