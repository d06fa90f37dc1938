package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the renewal service
type Config struct {
	AppName   string          `mapstructure:"app_name"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Renewal   RenewalConfig   `mapstructure:"renewal"`
	Repair    RepairConfig    `mapstructure:"repair"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// GRPCConfig holds gRPC server configuration
type GRPCConfig struct {
	Address          string        `mapstructure:"address"`
	EnableReflection bool          `mapstructure:"enable_reflection"`
	AdminToken       string        `mapstructure:"admin_token"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// HTTPConfig holds the webhook and metrics listener configuration
type HTTPConfig struct {
	Address string `mapstructure:"address"`
	// WebhookRateLimit is the per-client callback budget per minute; 0 disables it
	WebhookRateLimit int `mapstructure:"webhook_rate_limit"`
}

// StorageConfig selects the repository implementation
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	NotificationTopic string   `mapstructure:"notification_topic"`
	OrderEventsTopic  string   `mapstructure:"order_events_topic"`
	GroupID           string   `mapstructure:"group_id"`
}

// BillingConfig holds payment gateway callback configuration
type BillingConfig struct {
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`
	PayPalReceiverEmail string `mapstructure:"paypal_receiver_email"`
	// PayPalVerifyURL is the IPN postback endpoint; empty skips verification
	PayPalVerifyURL     string `mapstructure:"paypal_verify_url"`
}

// RenewalConfig holds due-renewal scanning configuration
type RenewalConfig struct {
	ScanCron      string `mapstructure:"scan_cron"`
	ScanBatchSize int    `mapstructure:"scan_batch_size"`
}

// RepairConfig holds the PayPal suspension repair job configuration
type RepairConfig struct {
	JobName          string        `mapstructure:"job_name"`
	BatchSize        int           `mapstructure:"batch_size"`
	OverdueThreshold time.Duration `mapstructure:"overdue_threshold"`
	RescheduleDelay  time.Duration `mapstructure:"reschedule_delay"`
	LogChannel       string        `mapstructure:"log_channel"`
	AgreementPrefix  string        `mapstructure:"agreement_prefix"`
}

// SchedulerConfig holds delayed-task dispatcher configuration
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	QueueKey     string        `mapstructure:"queue_key"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	Environment    string  `mapstructure:"environment"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from a .env file (if present), the config file and
// environment variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshal()
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	return unmarshal()
}

func unmarshal() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// loadDotEnv populates the process environment from ./.env. A missing file is fine.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app_name", "renewal-service")
	viper.SetDefault("grpc.address", ":8081")
	viper.SetDefault("grpc.enable_reflection", false)
	viper.SetDefault("grpc.request_timeout", "15s")
	viper.SetDefault("http.address", ":8080")
	viper.SetDefault("http.webhook_rate_limit", 600)
	viper.SetDefault("storage.driver", "postgres")
	viper.SetDefault("postgres.max_conns", 10)
	viper.SetDefault("postgres.migrate", true)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.notification_topic", "subscription-notifications")
	viper.SetDefault("kafka.order_events_topic", "order-events")
	viper.SetDefault("kafka.group_id", "renewal-service")
	viper.SetDefault("renewal.scan_cron", "*/5 * * * *")
	viper.SetDefault("renewal.scan_batch_size", 100)
	viper.SetDefault("repair.job_name", "repair_paypal_suspensions")
	viper.SetDefault("repair.batch_size", 30)
	viper.SetDefault("repair.overdue_threshold", "72h")
	viper.SetDefault("repair.reschedule_delay", "5m")
	viper.SetDefault("repair.log_channel", "paypal-suspension-repair")
	viper.SetDefault("repair.agreement_prefix", "B-")
	viper.SetDefault("scheduler.poll_interval", "10s")
	viper.SetDefault("scheduler.queue_key", "renewal:scheduled_tasks")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	viper.SetDefault("tracing.sample_rate", 0.1)
	viper.SetDefault("tracing.environment", "development")
	viper.SetDefault("log.level", "info")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if c.GRPC.Address == "" {
		return fmt.Errorf("grpc.address is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("postgres.max_conns must be greater than 0")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Repair.JobName == "" {
		return fmt.Errorf("repair.job_name is required")
	}
	if c.Repair.BatchSize <= 0 {
		return fmt.Errorf("repair.batch_size must be greater than 0")
	}
	if c.Repair.OverdueThreshold <= 0 {
		return fmt.Errorf("repair.overdue_threshold must be greater than 0")
	}
	if c.Repair.RescheduleDelay <= 0 {
		return fmt.Errorf("repair.reschedule_delay must be greater than 0")
	}
	if c.Renewal.ScanBatchSize <= 0 {
		return fmt.Errorf("renewal.scan_batch_size must be greater than 0")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than 0")
	}
	return nil
}
