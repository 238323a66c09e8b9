package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`

	ConsumerPrefetch int `env:"CONSUMER_PREFETCH,default=8"`

	OpenAIAPIKey         string `env:"OPENAI_API_KEY,required=true"`
	OpenAIBaseURL        string `env:"OPENAI_BASE_URL,default=https://api.openai.com/v1"`
	OpenAIModel          string `env:"OPENAI_MODEL,default=gpt-4o-mini"`
	OpenAIEmbeddingModel string `env:"OPENAI_EMBEDDING_MODEL,default=text-embedding-3-small"`

	MaxMaterialsPerRequest int `env:"MAX_MATERIALS_PER_REQUEST,default=1000"`
	MaxConcurrentJobs      int `env:"MAX_CONCURRENT_JOBS,default=5"`
	MaxRetries             int `env:"MAX_RETRIES,default=3"`
	RetryDelaySec          int `env:"RETRY_DELAY_SEC,default=300"`
	RetryScanIntervalSec   int `env:"RETRY_SCAN_INTERVAL_SEC,default=30"`
	CleanupIntervalHours   int `env:"CLEANUP_INTERVAL_HOURS,default=24"`
	RetentionDays          int `env:"RETENTION_DAYS,default=30"`

	MinBatchSize         int     `env:"MIN_BATCH_SIZE,default=10"`
	MaxBatchSize         int     `env:"MAX_BATCH_SIZE,default=100"`
	BatchConcurrency     int     `env:"BATCH_CONCURRENCY,default=4"`
	AdaptiveSizing       bool    `env:"ADAPTIVE_SIZING,default=true"`
	MemoryBudgetMB       int     `env:"MEMORY_BUDGET_MB,default=0"`
	TargetMemoryFraction float64 `env:"TARGET_MEMORY_FRACTION,default=0.1"`
	TargetBatchTimeSec   int     `env:"TARGET_BATCH_TIME_SEC,default=30"`
	StageTimeoutSec      int     `env:"STAGE_TIMEOUT_SEC,default=30"`
	AIRequestsPerSec     int     `env:"AI_REQUESTS_PER_SEC,default=10"`
	SimilarityThreshold  float64 `env:"SIMILARITY_THRESHOLD,default=0.8"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

func (c *Config) RetryScanInterval() time.Duration {
	return time.Duration(c.RetryScanIntervalSec) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSec) * time.Second
}

func (c *Config) TargetBatchTime() time.Duration {
	return time.Duration(c.TargetBatchTimeSec) * time.Second
}

func (c *Config) MemoryBudget() uint64 {
	return uint64(c.MemoryBudgetMB) * 1024 * 1024
}
