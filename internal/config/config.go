package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	SendGrid    SendGridConfig    `yaml:"sendgrid"`
	Mailgun     MailgunConfig     `yaml:"mailgun"`
	SES         SESConfig         `yaml:"ses"`
	SparkPost   SparkPostConfig   `yaml:"sparkpost"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Unsubscribe UnsubscribeConfig `yaml:"unsubscribe"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int      `yaml:"port"`
	Host               string   `yaml:"host"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	// RunDrain starts the in-process drain runner next to the API.
	RunDrain bool `yaml:"run_drain"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig selects the PostgreSQL store. An empty URL runs the
// engine on the in-memory store.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig enables the shared rate limiter, dedup cache and drain lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether addresses are masked in logs; default true.
func (c LoggingConfig) Redact() bool { return c.RedactPII == nil || *c.RedactPII }

// SendGridConfig holds SendGrid API configuration
type SendGridConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SendGridConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailgunConfig holds Mailgun API configuration
type MailgunConfig struct {
	APIKey         string `yaml:"api_key"`
	Domain         string `yaml:"domain"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c MailgunConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES configuration
type SESConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SparkPostConfig holds SparkPost API configuration
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SparkPostConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DeliveryConfig tunes the engine. Zero values fall through to the engine
// defaults.
type DeliveryConfig struct {
	DefaultProvider string `yaml:"default_provider"`

	MaxRetries         int `yaml:"max_retries"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`

	CircuitThreshold       int `yaml:"circuit_threshold"`
	CircuitWindowSeconds   int `yaml:"circuit_window_seconds"`
	CircuitCooldownSeconds int `yaml:"circuit_cooldown_seconds"`

	LeaseSeconds         int `yaml:"lease_seconds"`
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`
	BatchLimit           int `yaml:"batch_limit"`
	BulkMaxRecipients    int `yaml:"bulk_max_recipients"`

	ProviderRateLimit  int            `yaml:"provider_rate_limit"`
	ProviderRateLimits map[string]int `yaml:"provider_rate_limits"`
	TenantRateLimit    int            `yaml:"tenant_rate_limit"`
	DomainRateLimit    int            `yaml:"domain_rate_limit"`

	WarmupEnabled    bool `yaml:"warmup_enabled"`
	WarmupDailyLimit int  `yaml:"warmup_daily_limit"`

	EventDedupTTLHours int `yaml:"event_dedup_ttl_hours"`

	DeadLetterAlertThreshold       int `yaml:"dead_letter_alert_threshold"`
	DeadLetterAlertIntervalMinutes int `yaml:"dead_letter_alert_interval_minutes"`
}

// DrainInterval returns the runner tick.
func (c DeliveryConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

// UnsubscribeConfig signs List-Unsubscribe links.
type UnsubscribeConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// AlertingConfig selects where operational alerts go. Empty logs them.
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ArchiveConfig enables the S3 dead-letter archive and the DynamoDB dedup
// cache.
type ArchiveConfig struct {
	S3Bucket      string `yaml:"s3_bucket"`
	S3Prefix      string `yaml:"s3_prefix"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// Enabled reports whether any AWS side store is configured.
func (c ArchiveConfig) Enabled() bool { return c.S3Bucket != "" || c.DynamoDBTable != "" }

// GetAWSProfile returns the AWS profile, with environment variable override
func (c ArchiveConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// Engine maps the file settings onto the engine configuration.
func (c *Config) Engine() delivery.Config {
	d := c.Delivery
	limits := make(map[domain.ESPType]int, len(d.ProviderRateLimits))
	for name, n := range d.ProviderRateLimits {
		limits[domain.ESPType(strings.ToLower(name))] = n
	}
	return delivery.Config{
		DefaultProvider:          domain.ESPType(strings.ToLower(d.DefaultProvider)),
		MaxRetries:               d.MaxRetries,
		BackoffBase:              seconds(d.BackoffBaseSeconds),
		BackoffCap:               seconds(d.BackoffCapSeconds),
		CircuitThreshold:         d.CircuitThreshold,
		CircuitWindow:            seconds(d.CircuitWindowSeconds),
		CircuitCooldown:          seconds(d.CircuitCooldownSeconds),
		LeaseDuration:            seconds(d.LeaseSeconds),
		BatchLimit:               d.BatchLimit,
		BulkMaxRecipients:        d.BulkMaxRecipients,
		ProviderRateLimit:        d.ProviderRateLimit,
		ProviderRateLimits:       limits,
		TenantRateLimit:          d.TenantRateLimit,
		DomainRateLimit:          d.DomainRateLimit,
		WarmupEnabled:            d.WarmupEnabled,
		WarmupDailyLimit:         d.WarmupDailyLimit,
		EventDedupTTL:            time.Duration(d.EventDedupTTLHours) * time.Hour,
		DeadLetterAlertThreshold: d.DeadLetterAlertThreshold,
		DeadLetterAlertInterval:  time.Duration(d.DeadLetterAlertIntervalMinutes) * time.Minute,
		UnsubscribeURL:           c.Unsubscribe.BaseURL,
		UnsubscribeSecret:        c.Unsubscribe.Secret,
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Load reads and parses the configuration file. An empty path yields the
// defaults so the binaries can run from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "delivery"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for _, t := range []*int{
		&cfg.SendGrid.TimeoutSeconds, &cfg.Mailgun.TimeoutSeconds,
		&cfg.SES.TimeoutSeconds, &cfg.SparkPost.TimeoutSeconds,
	} {
		if *t == 0 {
			*t = 15
		}
	}
	if cfg.Mailgun.BaseURL == "" {
		cfg.Mailgun.BaseURL = "https://api.mailgun.net/v3"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Archive.AWSRegion == "" {
		cfg.Archive.AWSRegion = cfg.SES.Region
	}
	if cfg.Delivery.DefaultProvider == "" {
		cfg.Delivery.DefaultProvider = string(domain.ESPSendGrid)
	}
	if cfg.Delivery.DrainIntervalSeconds == 0 {
		cfg.Delivery.DrainIntervalSeconds = 5
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	setString(&cfg.SendGrid.APIKey, "SENDGRID_API_KEY")
	setString(&cfg.SendGrid.BaseURL, "SENDGRID_BASE_URL")
	setString(&cfg.Mailgun.APIKey, "MAILGUN_API_KEY")
	setString(&cfg.Mailgun.Domain, "MAILGUN_DOMAIN")
	setString(&cfg.Mailgun.BaseURL, "MAILGUN_BASE_URL")
	setString(&cfg.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	setString(&cfg.SES.SecretKey, "AWS_SES_SECRET_KEY")
	setString(&cfg.SES.Region, "AWS_SES_REGION")
	setString(&cfg.SES.ConfigurationSet, "AWS_SES_CONFIGURATION_SET")
	setString(&cfg.SparkPost.APIKey, "SPARKPOST_API_KEY")
	setString(&cfg.SparkPost.BaseURL, "SPARKPOST_BASE_URL")

	setString(&cfg.Delivery.DefaultProvider, "DELIVERY_DEFAULT_PROVIDER")
	setInt(&cfg.Delivery.MaxRetries, "DELIVERY_MAX_RETRIES")
	setInt(&cfg.Delivery.BatchLimit, "DELIVERY_BATCH_LIMIT")
	setInt(&cfg.Delivery.DrainIntervalSeconds, "DELIVERY_DRAIN_INTERVAL_SECONDS")
	if v := os.Getenv("DELIVERY_WARMUP_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Delivery.WarmupDailyLimit = n
			cfg.Delivery.WarmupEnabled = n > 0
		}
	}

	setString(&cfg.Unsubscribe.BaseURL, "UNSUBSCRIBE_BASE_URL")
	setString(&cfg.Unsubscribe.Secret, "UNSUBSCRIBE_SECRET")
	setString(&cfg.Alerting.WebhookURL, "ALERT_WEBHOOK_URL")
	setString(&cfg.Archive.S3Bucket, "DEAD_LETTER_S3_BUCKET")
	setString(&cfg.Archive.DynamoDBTable, "EVENT_DEDUP_DYNAMODB_TABLE")

	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
