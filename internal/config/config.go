package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config centralizes runtime settings for the API, watcher and workers.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	AuthToken string `env:"API_AUTH_TOKEN"`

	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	IntakeDir         string        `env:"INTAKE_DIR" envDefault:"./uploads"`
	IntakeExtensions  []string      `env:"INTAKE_EXTENSIONS" envDefault:".csv,.xlsx" envSeparator:","`
	IntakeExclude     []string      `env:"INTAKE_EXCLUDE" envDefault:"*_processed*,*report*,~$*,.*" envSeparator:","`
	IntakeExcludeDirs []string      `env:"INTAKE_EXCLUDE_DIRS" envDefault:"processed,reports" envSeparator:","`
	StabilityWindow   time.Duration `env:"INTAKE_STABILITY_WINDOW" envDefault:"3s"`
	DefaultTag        string        `env:"INTAKE_DEFAULT_TAG" envDefault:"unassigned"`

	QueueName        string        `env:"QUEUE_NAME" envDefault:"bulk_uploads"`
	QueuePollTimeout time.Duration `env:"QUEUE_POLL_TIMEOUT" envDefault:"5s"`
	JobTimeout       time.Duration `env:"JOB_TIMEOUT" envDefault:"15m"`
	BatchChunkSize   int           `env:"BATCH_CHUNK_SIZE" envDefault:"500"`

	VerifyBaseURL     string        `env:"VERIFY_BASE_URL"`
	VerifyAPIKey      string        `env:"VERIFY_API_KEY"`
	VerifyTimeout     time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s"`
	VerifyMaxRetries  int           `env:"VERIFY_MAX_RETRIES" envDefault:"2"`
	VerifyRPS         float64       `env:"VERIFY_RPS" envDefault:"5"`
	VerifyHourlyLimit int64         `env:"VERIFY_HOURLY_LIMIT" envDefault:"10000"`
	VerifyRetryBase   time.Duration `env:"VERIFY_RETRY_BASE" envDefault:"2s"`
	VerifyCacheTTL    time.Duration `env:"VERIFY_CACHE_TTL" envDefault:"1h"`
	VerifyCacheSize   int           `env:"VERIFY_CACHE_SIZE" envDefault:"10000"`

	DeliveryPollInterval time.Duration `env:"DELIVERY_POLL_INTERVAL" envDefault:"15s"`
	DeliveryMaxRetries   int           `env:"DELIVERY_MAX_RETRIES" envDefault:"3"`
	DeliveryRetryBase    time.Duration `env:"DELIVERY_RETRY_BASE" envDefault:"1m"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile      string `env:"LOG_FILE"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	WorkerEnabled  bool `env:"WORKER_ENABLED" envDefault:"true"`
	WatcherEnabled bool `env:"WATCHER_ENABLED" envDefault:"true"`
}

// maxBatchChunkSize matches batch.MaxChunkSize.
const maxBatchChunkSize = 1000

// Load parses the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.BatchChunkSize <= 0 || cfg.BatchChunkSize > maxBatchChunkSize {
		return Config{}, fmt.Errorf("BATCH_CHUNK_SIZE must be between 1 and %d, got %d", maxBatchChunkSize, cfg.BatchChunkSize)
	}
	if cfg.VerifyHourlyLimit <= 0 {
		return Config{}, fmt.Errorf("VERIFY_HOURLY_LIMIT must be positive, got %d", cfg.VerifyHourlyLimit)
	}
	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c Config) VerificationEnabled() bool {
	return strings.TrimSpace(c.VerifyBaseURL) != ""
}

func (c Config) EmailEnabled() bool {
	return strings.TrimSpace(c.SMTPHost) != ""
}
