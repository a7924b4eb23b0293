// Package config loads charimaged settings from the environment and an
// optional .env file
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/richinsley/charimage/generation"
	"github.com/richinsley/charimage/logger"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" env-default:"development"`
	HTTPAddr string `env:"HTTP_ADDR" env-default:":8080"`
	// StoreFile, when set, loads characters and users from a YAML file
	// instead of Postgres
	StoreFile string `env:"STORE_FILE"`
	// IndexAllocator is memory, redis or postgres
	IndexAllocator string `env:"INDEX_ALLOCATOR" env-default:"memory"`
	// StorageBackend is bunny or local
	StorageBackend string `env:"STORAGE_BACKEND" env-default:"local"`

	Logger     logger.Config
	Backend    BackendConfig
	Poll       PollConfig
	Locate     LocateConfig
	Persist    PersistConfig
	Batch      BatchConfig
	Embedding  EmbeddingConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	RabbitMQ   RabbitMQConfig
	Bunny      BunnyConfig
	LocalStore LocalStorageConfig

	// SafetyExtraTerms are blocked in addition to the built in lists
	SafetyExtraTerms []string `env:"SAFETY_EXTRA_TERMS" env-separator:","`
}

// BackendConfig points at the ComfyUI servers
type BackendConfig struct {
	DefaultURL   string        `env:"COMFY_DEFAULT_URL" env-default:"http://127.0.0.1:8188"`
	RealisticURL string        `env:"COMFY_REALISTIC_URL"`
	Timeout      time.Duration `env:"COMFY_TIMEOUT" env-default:"30s"`
	// Websocket enables status notifications that shorten poll waits
	Websocket bool `env:"COMFY_WEBSOCKET" env-default:"true"`
}

type PollConfig struct {
	MaxAttempts int           `env:"POLL_MAX_ATTEMPTS" env-default:"45"`
	Delay       time.Duration `env:"POLL_DELAY" env-default:"1500ms"`
	Settle      time.Duration `env:"POLL_SETTLE" env-default:"1s"`
}

type LocateConfig struct {
	SearchCeiling   int           `env:"LOCATE_SEARCH_CEILING" env-default:"100"`
	Slack           int           `env:"LOCATE_SLACK" env-default:"50"`
	ReverseCap      int           `env:"LOCATE_REVERSE_CAP" env-default:"200"`
	MissStreak      int           `env:"LOCATE_MISS_STREAK" env-default:"3"`
	LinearScanLimit int           `env:"LOCATE_LINEAR_SCAN_LIMIT" env-default:"0"`
	FullModeRounds  int           `env:"LOCATE_FULL_MODE_ROUNDS" env-default:"2"`
	FullModeDelay   time.Duration `env:"LOCATE_FULL_MODE_DELAY" env-default:"2s"`
}

type PersistConfig struct {
	Attempts        int           `env:"PERSIST_ATTEMPTS" env-default:"2"`
	Backoff         time.Duration `env:"PERSIST_BACKOFF" env-default:"2s"`
	DownloadTimeout time.Duration `env:"PERSIST_DOWNLOAD_TIMEOUT" env-default:"15s"`
	Workers         int           `env:"PERSIST_WORKERS" env-default:"4"`
	QueueSize       int           `env:"PERSIST_QUEUE_SIZE" env-default:"64"`
	// ShutdownTimeout bounds how long queued uploads may delay shutdown
	ShutdownTimeout time.Duration `env:"PERSIST_SHUTDOWN_TIMEOUT" env-default:"60s"`
}

type BatchConfig struct {
	SettleDelay              time.Duration `env:"BATCH_SETTLE_DELAY" env-default:"2s"`
	InterItemDelay           time.Duration `env:"BATCH_INTER_ITEM_DELAY" env-default:"1s"`
	MaxConcurrentSubmissions int           `env:"BATCH_MAX_CONCURRENT_SUBMISSIONS" env-default:"0"`
}

type EmbeddingConfig struct {
	MinImages  int `env:"EMBEDDING_MIN_IMAGES" env-default:"5"`
	MinSources int `env:"EMBEDDING_TRAINING_MIN_SOURCES" env-default:"8"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

type PostgresConfig struct {
	DSN string `env:"POSTGRES_DSN"`
	// Migrate applies schema migrations on startup
	Migrate bool `env:"POSTGRES_MIGRATE" env-default:"true"`
}

type RabbitMQConfig struct {
	// URL enables the training trigger; empty logs requests only
	URL           string `env:"RABBITMQ_URL"`
	TrainingQueue string `env:"RABBITMQ_TRAINING_QUEUE" env-default:"embedding_training_tasks"`
}

type BunnyConfig struct {
	Endpoint   string        `env:"BUNNY_STORAGE_ENDPOINT" env-default:"https://storage.bunnycdn.com"`
	Zone       string        `env:"BUNNY_STORAGE_ZONE"`
	AccessKey  string        `env:"BUNNY_STORAGE_ACCESS_KEY"`
	CDNBaseURL string        `env:"BUNNY_CDN_BASE_URL"`
	Timeout    time.Duration `env:"BUNNY_TIMEOUT" env-default:"30s"`
}

type LocalStorageConfig struct {
	Root          string `env:"LOCAL_STORAGE_ROOT" env-default:"./data/images"`
	PublicBaseURL string `env:"LOCAL_STORAGE_PUBLIC_BASE_URL" env-default:"http://localhost:8080/images"`
}

// Load reads a .env file when present, then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that depend on each other
func (c *Config) Validate() error {
	c.IndexAllocator = strings.ToLower(c.IndexAllocator)
	c.StorageBackend = strings.ToLower(c.StorageBackend)

	switch c.IndexAllocator {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis index allocator")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres index allocator")
		}
	default:
		return fmt.Errorf("unknown INDEX_ALLOCATOR %q", c.IndexAllocator)
	}

	switch c.StorageBackend {
	case "local":
	case "bunny":
		if c.Bunny.Zone == "" || c.Bunny.AccessKey == "" || c.Bunny.CDNBaseURL == "" {
			return fmt.Errorf("BUNNY_STORAGE_ZONE, BUNNY_STORAGE_ACCESS_KEY and BUNNY_CDN_BASE_URL are required for bunny storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.StoreFile == "" && c.Postgres.DSN == "" {
		return fmt.Errorf("either STORE_FILE or POSTGRES_DSN must be set")
	}
	return nil
}

func (c *Config) PollPolicy() generation.PollPolicy {
	return generation.PollPolicy{
		MaxAttempts: c.Poll.MaxAttempts,
		Delay:       c.Poll.Delay,
		Settle:      c.Poll.Settle,
	}
}

func (c *Config) LocatePolicy() generation.LocatePolicy {
	return generation.LocatePolicy{
		SearchCeiling: c.Locate.SearchCeiling,
		Slack:         c.Locate.Slack,
		ReverseCap:    c.Locate.ReverseCap,
		MissStreak:    c.Locate.MissStreak,
	}
}

func (c *Config) RetryPolicy() generation.RetryPolicy {
	return generation.RetryPolicy{
		Attempts:        c.Persist.Attempts,
		Backoff:         c.Persist.Backoff,
		DownloadTimeout: c.Persist.DownloadTimeout,
	}
}

func (c *Config) CoordinatorOptions() generation.Options {
	opts := generation.DefaultOptions()
	opts.LinearScanLimit = c.Locate.LinearScanLimit
	opts.FullModeRounds = c.Locate.FullModeRounds
	opts.FullModeRoundDelay = c.Locate.FullModeDelay
	opts.BatchSettleDelay = c.Batch.SettleDelay
	opts.InterItemDelay = c.Batch.InterItemDelay
	opts.MaxConcurrentSubmissions = c.Batch.MaxConcurrentSubmissions
	opts.EmbeddingMinImages = c.Embedding.MinImages
	opts.TrainingMinSources = c.Embedding.MinSources
	return opts
}
