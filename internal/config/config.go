package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration. Values come from defaults, then an
// optional YAML file, then ASYA_* environment variables.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Synthetic work
	TickInterval      time.Duration `yaml:"tickInterval"`
	MaxProgress       int           `yaml:"maxProgress"`
	MaxConcurrentJobs int           `yaml:"maxConcurrentJobs"`

	// Observation
	WaitInterval     time.Duration `yaml:"waitInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	DefaultTimeout   time.Duration `yaml:"defaultTimeout"`
	MaxTimeout       time.Duration `yaml:"maxTimeout"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	QueueRetention   time.Duration `yaml:"queueRetention"`

	// Shared registry backends; in-memory when both are empty
	DatabaseURL string `yaml:"databaseURL"`
	RedisURL    string `yaml:"redisURL"`

	// Per-publisher buffer and per-call bound for state mirroring
	MirrorBuffer  int           `yaml:"mirrorBuffer"`
	MirrorTimeout time.Duration `yaml:"mirrorTimeout"`

	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	SQS      SQSConfig      `yaml:"sqs"`
}

// RabbitMQConfig configures state mirroring and AMQP submission.
// Both are disabled when URL is empty.
type RabbitMQConfig struct {
	URL         string `yaml:"url"`
	Exchange    string `yaml:"exchange"`
	PoolSize    int    `yaml:"poolSize"`
	SubmitQueue string `yaml:"submitQueue"`
}

// SQSConfig configures terminal state mirroring to SQS. Disabled when QueueURL is empty.
type SQSConfig struct {
	QueueURL string `yaml:"queueURL"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:             "8080",
		LogLevel:         "INFO",
		TickInterval:     100 * time.Millisecond,
		MaxProgress:      100,
		WaitInterval:     time.Second,
		SnapshotInterval: 100 * time.Millisecond,
		DefaultTimeout:   30 * time.Second,
		MaxTimeout:       5 * time.Minute,
		RequestTimeout:   5 * time.Minute,
		QueueRetention:   5 * time.Minute,
		MirrorBuffer:     1024,
		MirrorTimeout:    5 * time.Second,
		RabbitMQ: RabbitMQConfig{
			Exchange:    "asya-progress",
			PoolSize:    10,
			SubmitQueue: "progress-submit",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("ASYA_GATEWAY_PORT", c.Port)
	c.LogLevel = getEnv("ASYA_LOG_LEVEL", c.LogLevel)

	c.TickInterval = getEnvDuration("ASYA_TICK_INTERVAL", c.TickInterval)
	c.MaxProgress = getEnvInt("ASYA_MAX_PROGRESS", c.MaxProgress)
	c.MaxConcurrentJobs = getEnvInt("ASYA_MAX_CONCURRENT_JOBS", c.MaxConcurrentJobs)

	c.WaitInterval = getEnvDuration("ASYA_WAIT_INTERVAL", c.WaitInterval)
	c.SnapshotInterval = getEnvDuration("ASYA_SNAPSHOT_INTERVAL", c.SnapshotInterval)
	c.DefaultTimeout = getEnvDuration("ASYA_DEFAULT_TIMEOUT", c.DefaultTimeout)
	c.MaxTimeout = getEnvDuration("ASYA_MAX_TIMEOUT", c.MaxTimeout)
	c.RequestTimeout = getEnvDuration("ASYA_REQUEST_TIMEOUT", c.RequestTimeout)
	c.QueueRetention = getEnvDuration("ASYA_QUEUE_RETENTION", c.QueueRetention)

	c.DatabaseURL = getEnv("ASYA_DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("ASYA_REDIS_URL", c.RedisURL)
	c.MirrorBuffer = getEnvInt("ASYA_MIRROR_BUFFER", c.MirrorBuffer)
	c.MirrorTimeout = getEnvDuration("ASYA_MIRROR_TIMEOUT", c.MirrorTimeout)

	c.RabbitMQ.URL = getEnv("ASYA_RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = getEnv("ASYA_RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)
	c.RabbitMQ.PoolSize = getEnvInt("ASYA_RABBITMQ_POOL_SIZE", c.RabbitMQ.PoolSize)
	c.RabbitMQ.SubmitQueue = getEnv("ASYA_SUBMIT_QUEUE", c.RabbitMQ.SubmitQueue)

	c.SQS.QueueURL = getEnv("ASYA_SQS_QUEUE_URL", c.SQS.QueueURL)
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tickInterval must be positive"))
	}
	if c.MaxProgress <= 0 {
		errs = append(errs, errors.New("maxProgress must be positive"))
	}
	if c.MaxConcurrentJobs < 0 {
		errs = append(errs, errors.New("maxConcurrentJobs must not be negative"))
	}
	if c.WaitInterval <= 0 {
		errs = append(errs, errors.New("waitInterval must be positive"))
	}
	if c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("snapshotInterval must be positive"))
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("defaultTimeout must be positive"))
	}
	if c.MaxTimeout < c.DefaultTimeout {
		errs = append(errs, errors.New("maxTimeout must not be below defaultTimeout"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("requestTimeout must be positive"))
	}
	if c.QueueRetention < 0 {
		errs = append(errs, errors.New("queueRetention must not be negative"))
	}
	if c.MirrorBuffer <= 0 {
		errs = append(errs, errors.New("mirrorBuffer must be positive"))
	}
	if c.MirrorTimeout <= 0 {
		errs = append(errs, errors.New("mirrorTimeout must be positive"))
	}
	if c.DatabaseURL != "" && c.RedisURL != "" {
		errs = append(errs, errors.New("databaseURL and redisURL are mutually exclusive"))
	}
	if c.RabbitMQ.URL != "" && c.RabbitMQ.Exchange == "" {
		errs = append(errs, errors.New("rabbitmq.exchange is required with rabbitmq.url"))
	}
	// the submit consumer keeps one pooled channel for itself
	if c.RabbitMQ.URL != "" && c.RabbitMQ.PoolSize < 2 {
		errs = append(errs, errors.New("rabbitmq.poolSize must be at least 2"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// ParseLevel maps ASYA_LOG_LEVEL values to slog levels, defaulting to INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
