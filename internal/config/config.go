package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Usage    UsageConfig
	Reset    ResetConfig
	Notifier NotifierConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
	Auth     AuthConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	Migrate  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// UsageConfig holds cache TTLs and I/O timeouts for quota tracking
type UsageConfig struct {
	StatusTTL     time.Duration
	QuotaTTL      time.Duration
	CacheTimeout  time.Duration
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
	StatsTTL      time.Duration // cache lifetime of admin stats and trends
}

// ResetConfig holds daily reset scheduling configuration
type ResetConfig struct {
	Enabled   bool
	Interval  time.Duration // how often the scheduler wakes up
	Window    time.Duration // minimum time between two resets
	LockTTL   time.Duration
	OpTimeout time.Duration // bound on each store or cache call of a run
	Archive   bool
}

// NotifierConfig selects and configures the usage alert transport
type NotifierConfig struct {
	Driver         string // queue, webhook, log
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
	WebhookRetries int
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds Prometheus exporter configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTSecret string
	RateLimit int
	RateBurst int
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values the services cannot run without
func (c *Config) Validate() error {
	if c.Usage.StatusTTL <= 0 || c.Usage.QuotaTTL <= 0 {
		return fmt.Errorf("usage cache TTLs must be positive")
	}
	if c.Reset.Window <= 0 {
		return fmt.Errorf("reset window must be positive")
	}
	switch c.Notifier.Driver {
	case "queue", "log":
	case "webhook":
		if c.Notifier.WebhookURL == "" {
			return fmt.Errorf("notifier.webhookURL is required for the webhook driver")
		}
	default:
		return fmt.Errorf("unknown notifier driver %q", c.Notifier.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "dataplan")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.migrate", true)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Usage defaults
	v.SetDefault("usage.statusTTL", "1h")
	v.SetDefault("usage.quotaTTL", "5m")
	v.SetDefault("usage.cacheTimeout", "200ms")
	v.SetDefault("usage.storeTimeout", "3s")
	v.SetDefault("usage.notifyTimeout", "5s")
	v.SetDefault("usage.statsTTL", "1m")

	// Reset defaults
	v.SetDefault("reset.enabled", true)
	v.SetDefault("reset.interval", "1h")
	v.SetDefault("reset.window", "24h")
	v.SetDefault("reset.lockTTL", "30m")
	v.SetDefault("reset.opTimeout", "5s")
	v.SetDefault("reset.archive", false)

	// Notifier defaults
	v.SetDefault("notifier.driver", "log")
	v.SetDefault("notifier.webhookTimeout", "30s")
	v.SetDefault("notifier.webhookRetries", 2)

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")

	// Storage defaults
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "dataplan")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "dataplan")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Auth defaults
	v.SetDefault("auth.rateLimit", 20)
	v.SetDefault("auth.rateBurst", 40)
}
