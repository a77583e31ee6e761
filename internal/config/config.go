package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
)

// Store backends for durable subscription metadata.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds all runtime configuration. Defaults are overlaid by the YAML
// file named in CONFIG_FILE, which is in turn overlaid by environment
// variables.
type Config struct {
	// Server
	HTTPPort        string        `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// PublishTimeout caps how long a long-poll publish request is held.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	LogLevel       string        `yaml:"log_level"`

	// Durable queues
	DataDir          string `yaml:"data_dir"`
	DurableQueues    bool   `yaml:"durable_queues"`
	BatchSize        int    `yaml:"batch_size"`
	BatchCompression string `yaml:"batch_compression"`
	PersistWorkers   int    `yaml:"persist_workers"`
	PersistQueueSize int    `yaml:"persist_queue_size"`
	SnapshotWorkers  int    `yaml:"snapshot_workers"`
	// Batch I/O operations per second; zero disables limiting.
	PersistRateLimit int `yaml:"persist_rate_limit"`
	RestoreRateLimit int `yaml:"restore_rate_limit"`

	// Subscription store
	StoreBackend  string `yaml:"store_backend"`
	DatabaseURL   string `yaml:"database_url"`
	DBMaxConns    int32  `yaml:"db_max_conns"`
	DBMinConns    int32  `yaml:"db_min_conns"`
	MigrationsDir string `yaml:"migrations_dir"`

	// Subscription limits
	MaxSubscriptions           int           `yaml:"max_subscriptions"`
	MaxItemsPerSubscription    int           `yaml:"max_items_per_subscription"`
	MaxPublishRequests         int           `yaml:"max_publish_requests"`
	MaxRetransmissionQueue     int           `yaml:"max_retransmission_queue"`
	MinPublishingInterval      time.Duration `yaml:"min_publishing_interval"`
	MaxPublishingInterval      time.Duration `yaml:"max_publishing_interval"`
	MaxNotificationsPerPublish int           `yaml:"max_notifications_per_publish"`
	MaxQueueSize               int           `yaml:"max_queue_size"`
	MaxDurableQueueSize        int           `yaml:"max_durable_queue_size"`
	MaxDurableLifetime         time.Duration `yaml:"max_durable_lifetime"`

	// Publish cycle
	TimerResolution time.Duration `yaml:"timer_resolution"`
	DispatchWorkers int           `yaml:"dispatch_workers"`
}

func defaults() *Config {
	return &Config{
		HTTPPort:        "8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    90 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		PublishTimeout:  60 * time.Second,
		LogLevel:        "info",

		DataDir:          "data",
		DurableQueues:    true,
		BatchSize:        1000,
		BatchCompression: "zstd",
		PersistWorkers:   4,
		PersistQueueSize: 1024,
		SnapshotWorkers:  4,

		StoreBackend:  StoreFile,
		DBMaxConns:    10,
		DBMinConns:    1,
		MigrationsDir: "migrations",

		MaxSubscriptions:           1000,
		MaxItemsPerSubscription:    10000,
		MaxPublishRequests:         10,
		MaxRetransmissionQueue:     10,
		MinPublishingInterval:      50 * time.Millisecond,
		MaxPublishingInterval:      time.Hour,
		MaxNotificationsPerPublish: 1000,
		MaxQueueSize:               10000,
		MaxDurableQueueSize:        1000000,
		MaxDurableLifetime:         7 * 24 * time.Hour,

		TimerResolution: 10 * time.Millisecond,
		DispatchWorkers: 4,
	}
}

func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.ReadTimeout = getDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.PublishTimeout = getDuration("PUBLISH_TIMEOUT", cfg.PublishTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.DurableQueues = getBool("DURABLE_QUEUES", cfg.DurableQueues)
	cfg.BatchSize = getInt("BATCH_SIZE", cfg.BatchSize)
	cfg.BatchCompression = getEnv("BATCH_COMPRESSION", cfg.BatchCompression)
	cfg.PersistWorkers = getInt("PERSIST_WORKERS", cfg.PersistWorkers)
	cfg.PersistQueueSize = getInt("PERSIST_QUEUE_SIZE", cfg.PersistQueueSize)
	cfg.SnapshotWorkers = getInt("SNAPSHOT_WORKERS", cfg.SnapshotWorkers)
	cfg.PersistRateLimit = getInt("PERSIST_RATE_LIMIT", cfg.PersistRateLimit)
	cfg.RestoreRateLimit = getInt("RESTORE_RATE_LIMIT", cfg.RestoreRateLimit)

	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = int32(getInt("DB_MAX_CONNS", int(cfg.DBMaxConns)))
	cfg.DBMinConns = int32(getInt("DB_MIN_CONNS", int(cfg.DBMinConns)))
	cfg.MigrationsDir = getEnv("MIGRATIONS_DIR", cfg.MigrationsDir)

	cfg.MaxSubscriptions = getInt("MAX_SUBSCRIPTIONS", cfg.MaxSubscriptions)
	cfg.MaxItemsPerSubscription = getInt("MAX_ITEMS_PER_SUBSCRIPTION", cfg.MaxItemsPerSubscription)
	cfg.MaxPublishRequests = getInt("MAX_PUBLISH_REQUESTS", cfg.MaxPublishRequests)
	cfg.MaxRetransmissionQueue = getInt("MAX_RETRANSMISSION_QUEUE", cfg.MaxRetransmissionQueue)
	cfg.MinPublishingInterval = getDuration("MIN_PUBLISHING_INTERVAL", cfg.MinPublishingInterval)
	cfg.MaxPublishingInterval = getDuration("MAX_PUBLISHING_INTERVAL", cfg.MaxPublishingInterval)
	cfg.MaxNotificationsPerPublish = getInt("MAX_NOTIFICATIONS_PER_PUBLISH", cfg.MaxNotificationsPerPublish)
	cfg.MaxQueueSize = getInt("MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.MaxDurableQueueSize = getInt("MAX_DURABLE_QUEUE_SIZE", cfg.MaxDurableQueueSize)
	cfg.MaxDurableLifetime = getDuration("MAX_DURABLE_LIFETIME", cfg.MaxDurableLifetime)

	cfg.TimerResolution = getDuration("TIMER_RESOLUTION", cfg.TimerResolution)
	cfg.DispatchWorkers = getInt("DISPATCH_WORKERS", cfg.DispatchWorkers)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreFile:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if _, err := codec.ParseCompression(c.BatchCompression); err != nil {
		errs = append(errs, err)
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.TimerResolution <= 0 {
		errs = append(errs, errors.New("TIMER_RESOLUTION must be positive"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR must not be empty"))
	}
	return errors.Join(errs...)
}

// Compression returns the parsed BatchCompression; Load has validated it.
func (c *Config) Compression() codec.Compression {
	comp, _ := codec.ParseCompression(c.BatchCompression)
	return comp
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
