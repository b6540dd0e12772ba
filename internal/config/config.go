package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	RunMigrations  bool `env:"RUN_MIGRATIONS" envDefault:"true"`
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	S3Endpoint        string `env:"S3_ENDPOINT" envDefault:"s3.amazonaws.com"`
	S3Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket          string `env:"S3_BUCKET" envDefault:"rejourney-recordings"`
	S3AccessKey       string `env:"S3_ACCESS_KEY"`
	S3SecretKey       string `env:"S3_SECRET_KEY"`
	S3UseSSL          bool   `env:"S3_USE_SSL" envDefault:"true"`
	PresignTTLSeconds int    `env:"PRESIGN_TTL_SECONDS" envDefault:"3600"`

	ByteBudgetWindowSeconds int   `env:"BYTE_BUDGET_WINDOW_SECONDS" envDefault:"3600"`
	ByteBudgetMaxBytes      int64 `env:"BYTE_BUDGET_MAX_BYTES" envDefault:"536870912"`

	IdempotencyTTLSeconds        int `env:"IDEMPOTENCY_TTL_SECONDS" envDefault:"3600"`
	IdempotencyRetryAfterSeconds int `env:"IDEMPOTENCY_RETRY_AFTER_SECONDS" envDefault:"2"`

	DeviceRateLimitPerMin int `env:"DEVICE_RATE_LIMIT_PER_MIN" envDefault:"600"`

	PromotionJobWaitSeconds    int     `env:"PROMOTION_JOB_WAIT_SECONDS" envDefault:"10"`
	PromotionWeightUX          float64 `env:"PROMOTION_WEIGHT_UX" envDefault:"0.4"`
	PromotionWeightErrors      float64 `env:"PROMOTION_WEIGHT_ERRORS" envDefault:"0.3"`
	PromotionWeightInteraction float64 `env:"PROMOTION_WEIGHT_INTERACTION" envDefault:"0.2"`
	PromotionWeightDuration    float64 `env:"PROMOTION_WEIGHT_DURATION" envDefault:"0.1"`

	FaultDedupeWindowSeconds int `env:"FAULT_DEDUPE_WINDOW_SECONDS" envDefault:"5"`

	SessionIdleFinalizeMinutes int `env:"SESSION_IDLE_FINALIZE_MINUTES" envDefault:"30"`
	StaleJobMinutes            int `env:"STALE_JOB_MINUTES" envDefault:"60"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) PresignTTL() time.Duration {
	return time.Duration(c.PresignTTLSeconds) * time.Second
}

func (c *Config) ByteBudgetWindow() time.Duration {
	return time.Duration(c.ByteBudgetWindowSeconds) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) PromotionJobWait() time.Duration {
	return time.Duration(c.PromotionJobWaitSeconds) * time.Second
}

func (c *Config) FaultDedupeWindow() time.Duration {
	return time.Duration(c.FaultDedupeWindowSeconds) * time.Second
}

func (c *Config) SessionIdleFinalizeAfter() time.Duration {
	return time.Duration(c.SessionIdleFinalizeMinutes) * time.Minute
}

func (c *Config) StaleJobAfter() time.Duration {
	return time.Duration(c.StaleJobMinutes) * time.Minute
}

func (c *Config) Validate(isProduction bool) error {
	if c.PresignTTLSeconds <= 0 {
		return fmt.Errorf("PRESIGN_TTL_SECONDS must be positive")
	}
	if c.ByteBudgetWindowSeconds <= 0 || c.ByteBudgetMaxBytes <= 0 {
		return fmt.Errorf("BYTE_BUDGET_WINDOW_SECONDS and BYTE_BUDGET_MAX_BYTES must be positive")
	}
	if c.IdempotencyTTLSeconds <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL_SECONDS must be positive")
	}
	weights := c.PromotionWeightUX + c.PromotionWeightErrors + c.PromotionWeightInteraction + c.PromotionWeightDuration
	if weights <= 0 {
		return fmt.Errorf("promotion weights must sum to a positive value")
	}

	if isProduction {
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required in production")
		}
		if !c.S3UseSSL {
			log.Warn().Msg("S3_USE_SSL is false in production: presigned URLs will use plain http")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
