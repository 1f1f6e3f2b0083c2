package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	SES         SESConfig         `yaml:"ses"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Publication PublicationConfig `yaml:"publication"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection for distributed locks and the
// send throttle. Optional: with no URL the worker falls back to
// PostgreSQL advisory locks and an unthrottled dispatch loop.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SESConfig holds AWS SES transport credentials
type SESConfig struct {
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WebhookConfig holds the endpoint for webhook-channel publications.
// Optional; when unset, webhook publications fail delivery.
type WebhookConfig struct {
	URL        string `yaml:"url"`
	AuthToken  string `yaml:"auth_token"`
	MaxRetries int    `yaml:"max_retries"`
}

// PublicationConfig holds the safety policy for the publication pipeline.
// It is threaded into the gate evaluator and orchestrator as a value so
// tests can vary it freely; nothing here is read from ambient state.
type PublicationConfig struct {
	GracePeriodMinutes  int      `yaml:"grace_period_minutes"`
	RequireApproval     bool     `yaml:"require_approval"`
	RequireRollback     bool     `yaml:"require_rollback"`
	RequireTestSend     bool     `yaml:"require_test_send"`
	RateLimitPerHour    int      `yaml:"rate_limit_per_hour"`
	RateWindowMinutes   int      `yaml:"rate_window_minutes"`
	TestRecipients      []string `yaml:"test_recipients"`
	RecipientHashSecret string   `yaml:"recipient_hash_secret"`
}

// GracePeriod returns the configured grace duration.
func (p PublicationConfig) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodMinutes) * time.Minute
}

// RateWindow returns the trailing window the rate-limit gate counts
// sent events over.
func (p PublicationConfig) RateWindow() time.Duration {
	return time.Duration(p.RateWindowMinutes) * time.Minute
}

// WorkerConfig holds job worker pool settings
type WorkerConfig struct {
	NumWorkers          int `yaml:"num_workers"`
	FanOut              int `yaml:"fan_out"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxJobAttempts      int `yaml:"max_job_attempts"`
}

// Load reads configuration from a YAML file and applies defaults.
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

// LoadFromEnv loads the YAML config (if the file exists), then applies
// environment variable overrides. A .env file is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		loaded, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else {
		cfg.applyDefaults()
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("RECIPIENT_HASH_SECRET"); v != "" {
		cfg.Publication.RecipientHashSecret = v
	}
	if v := os.Getenv("GRACE_PERIOD_MINUTES"); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m > 0 {
			cfg.Publication.GracePeriodMinutes = m
		}
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
// Missing credentials are a startup failure, never a per-job one.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Publication.GracePeriodMinutes <= 0 {
		return fmt.Errorf("publication.grace_period_minutes must be positive")
	}
	if c.Publication.RecipientHashSecret == "" {
		return fmt.Errorf("publication.recipient_hash_secret is required")
	}
	if len(c.Publication.TestRecipients) == 0 {
		return fmt.Errorf("publication.test_recipients must name at least one address")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.SES.TimeoutSeconds == 0 {
		c.SES.TimeoutSeconds = 30
	}
	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = 3
	}
	if c.Publication.GracePeriodMinutes == 0 {
		c.Publication.GracePeriodMinutes = 60
	}
	if c.Publication.RateLimitPerHour == 0 {
		c.Publication.RateLimitPerHour = 10000
	}
	if c.Publication.RateWindowMinutes == 0 {
		c.Publication.RateWindowMinutes = 60
	}
	if c.Worker.NumWorkers == 0 {
		c.Worker.NumWorkers = 4
	}
	if c.Worker.FanOut == 0 {
		c.Worker.FanOut = 10
	}
	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 5
	}
	if c.Worker.MaxJobAttempts == 0 {
		c.Worker.MaxJobAttempts = 3
	}
}
