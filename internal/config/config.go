package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine processes.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	SES       SESConfig       `yaml:"ses"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Provider  ProviderConfig  `yaml:"provider"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Quota     QuotaConfig     `yaml:"quota"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Notify    NotifyConfig    `yaml:"notify"`
	Callbacks CallbackConfig  `yaml:"callbacks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	Host            string   `yaml:"host"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownSeconds int      `yaml:"shutdown_seconds"`
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig points at the shared cache used for locks and rate limits.
// An empty URL disables Redis; locks fall back to PostgreSQL.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	RedactPII bool   `yaml:"redact_pii"`
}

// SESConfig configures the managed relay transport.
type SESConfig struct {
	Enabled          bool   `yaml:"enabled"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	Region           string `yaml:"region"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// Configured reports whether SES should be the active transport.
func (c SESConfig) Configured() bool {
	return c.Enabled || (c.AccessKey != "" && c.SecretKey != "")
}

// SMTPConfig configures the direct SMTP transport. HeloDomain, when set,
// is the right-hand side of generated Message-Id headers.
type SMTPConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	HeloDomain string `yaml:"helo_domain"`
}

// Configured reports whether an SMTP relay is available.
func (c SMTPConfig) Configured() bool {
	return c.Host != ""
}

// ProviderConfig holds settings shared by every transport.
type ProviderConfig struct {
	SendTimeoutSeconds int    `yaml:"send_timeout_seconds"`
	AttachmentRegion   string `yaml:"attachment_region"`
}

// SendTimeout is the per-call deadline for one provider hand-off.
func (c ProviderConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// TrackingConfig drives the content pipeline's URLs and token signing.
type TrackingConfig struct {
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
}

// BroadcastConfig tunes the dispatcher.
type BroadcastConfig struct {
	BatchSize         int `yaml:"batch_size"`
	BatchDelayMS      int `yaml:"batch_delay_ms"`
	Concurrency       int `yaml:"concurrency"`
	Workers           int `yaml:"workers"`
	QueueSize         int `yaml:"queue_size"`
	LockTTLSeconds    int `yaml:"lock_ttl_seconds"`
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
	RecoverySeconds   int `yaml:"recovery_interval_seconds"`
	MaxResumes        int `yaml:"max_resumes"`
}

// BatchDelay is the pause between two batches of one broadcast.
func (c BroadcastConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

// LockTTL is the lease of the per-broadcast lock.
func (c BroadcastConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// StaleAfter is how long a sending broadcast may go without a checkpoint
// before recovery picks it up.
func (c BroadcastConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// RecoveryInterval is the recovery sweep period.
func (c BroadcastConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoverySeconds) * time.Second
}

// SchedulerConfig drives the scheduled-email and scheduled-broadcast loops.
type SchedulerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
}

// Interval returns the polling period.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// QuotaConfig maps plan names to monthly limits. -1 means unlimited.
type QuotaConfig struct {
	PlanLimits map[string]int `yaml:"plan_limits"`
}

// RateLimitConfig bounds API requests per organization.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// NotifyConfig points the webhook notifier at the fan-out queue.
type NotifyConfig struct {
	SQSQueueURL string `yaml:"sqs_queue_url"`
	Region      string `yaml:"region"`
}

// CallbackConfig enables the SQS consumer for provider notifications.
type CallbackConfig struct {
	SQSQueueURL string `yaml:"sqs_queue_url"`
	Region      string `yaml:"region"`
}

// Load reads the YAML file at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.ShutdownSeconds == 0 {
		cfg.Server.ShutdownSeconds = 30
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.Provider.SendTimeoutSeconds == 0 {
		cfg.Provider.SendTimeoutSeconds = 30
	}
	if cfg.Provider.AttachmentRegion == "" {
		cfg.Provider.AttachmentRegion = cfg.SES.Region
	}
	if cfg.Broadcast.BatchSize == 0 {
		cfg.Broadcast.BatchSize = 50
	}
	if cfg.Broadcast.BatchDelayMS == 0 {
		cfg.Broadcast.BatchDelayMS = 1000
	}
	if cfg.Broadcast.Concurrency == 0 {
		cfg.Broadcast.Concurrency = cfg.Broadcast.BatchSize
	}
	if cfg.Broadcast.Workers == 0 {
		cfg.Broadcast.Workers = 4
	}
	if cfg.Broadcast.QueueSize == 0 {
		cfg.Broadcast.QueueSize = 256
	}
	if cfg.Broadcast.LockTTLSeconds == 0 {
		cfg.Broadcast.LockTTLSeconds = 120
	}
	if cfg.Broadcast.StaleAfterSeconds == 0 {
		cfg.Broadcast.StaleAfterSeconds = 300
	}
	if cfg.Broadcast.RecoverySeconds == 0 {
		cfg.Broadcast.RecoverySeconds = 60
	}
	if cfg.Broadcast.MaxResumes == 0 {
		cfg.Broadcast.MaxResumes = 3
	}
	if cfg.Scheduler.IntervalSeconds == 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 50
	}
	if cfg.Quota.PlanLimits == nil {
		cfg.Quota.PlanLimits = map[string]int{
			"free":       5000,
			"pro":        50000,
			"scale":      200000,
			"enterprise": -1,
		}
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 100
	}
	if cfg.Notify.Region == "" {
		cfg.Notify.Region = cfg.SES.Region
	}
	if cfg.Callbacks.Region == "" {
		cfg.Callbacks.Region = cfg.SES.Region
	}
}

// LoadFromEnv loads .env (if present), then the YAML file, then applies
// environment overrides. A missing YAML file is not an error.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	overrideString(&cfg.Database.URL, "DATABASE_URL")
	overrideString(&cfg.Redis.URL, "REDIS_URL")
	overrideString(&cfg.Logging.Level, "LOG_LEVEL")
	overrideString(&cfg.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	overrideString(&cfg.SES.SecretKey, "AWS_SES_SECRET_KEY")
	overrideString(&cfg.SES.Region, "AWS_SES_REGION")
	overrideString(&cfg.SES.ConfigurationSet, "AWS_SES_CONFIGURATION_SET")
	overrideString(&cfg.SMTP.Host, "SMTP_HOST")
	overrideString(&cfg.SMTP.Username, "SMTP_USERNAME")
	overrideString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	overrideInt(&cfg.SMTP.Port, "SMTP_PORT")
	overrideString(&cfg.Tracking.BaseURL, "TRACKING_BASE_URL")
	overrideString(&cfg.Tracking.SigningKey, "TRACKING_SIGNING_KEY")
	overrideString(&cfg.Notify.SQSQueueURL, "NOTIFY_SQS_QUEUE_URL")
	overrideString(&cfg.Callbacks.SQSQueueURL, "CALLBACK_SQS_QUEUE_URL")
	overrideInt(&cfg.Server.Port, "PORT")
	overrideInt(&cfg.Broadcast.BatchSize, "BROADCAST_BATCH_SIZE")
	overrideInt(&cfg.Broadcast.BatchDelayMS, "BROADCAST_BATCH_DELAY_MS")

	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate reports missing settings that would make the engine unusable.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if cfg.Tracking.BaseURL == "" {
		errs = append(errs, errors.New("tracking.base_url is required"))
	}
	if len(cfg.Tracking.SigningKey) < 16 {
		errs = append(errs, errors.New("tracking.signing_key must be at least 16 characters"))
	}
	if !cfg.SES.Configured() && !cfg.SMTP.Configured() {
		errs = append(errs, errors.New("no transport configured: set ses credentials or smtp.host"))
	}
	if cfg.Broadcast.BatchSize < 1 {
		errs = append(errs, errors.New("broadcast.batch_size must be positive"))
	}
	return errors.Join(errs...)
}
