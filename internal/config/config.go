package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	S3Bucket        string `env:"S3_BUCKET"`
	AWSRegion       string `env:"AWS_REGION" envDefault:"us-east-1"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-5"`

	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"8"`
	VisibilityTimeoutSec int           `env:"VISIBILITY_TIMEOUT_SEC" envDefault:"600"`
	SchedulerIntervalMS  int           `env:"SCHEDULER_INTERVAL_MS" envDefault:"1000"`
	MaxRetries           int           `env:"MAX_RETRIES" envDefault:"3"`
	AutoRecoverySchedule string        `env:"AUTO_RECOVERY_SCHEDULE" envDefault:"@every 10m"`
	GroupWaitTimeout     time.Duration `env:"GROUP_WAIT_TIMEOUT" envDefault:"60s"`

	ManifestTTL time.Duration `env:"MANIFEST_TTL" envDefault:"24h"`
	StatusTTL   time.Duration `env:"STATUS_TTL" envDefault:"24h"`
	MetricsTTL  time.Duration `env:"METRICS_TTL" envDefault:"168h"`
	ErrorTTL    time.Duration `env:"ERROR_TTL" envDefault:"168h"`

	OCRPollInterval time.Duration `env:"OCR_POLL_INTERVAL" envDefault:"5s"`
	OCRTimeout      time.Duration `env:"OCR_TIMEOUT" envDefault:"15m"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// VisibilityTimeout is the lease a worker holds on a dequeued task.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}

func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalMS) * time.Millisecond
}

func (c Config) Development() bool { return c.AppEnv == "development" }
