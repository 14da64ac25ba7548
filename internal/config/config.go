package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrAPITokenSize      = errors.New("API token must be at least 32 characters")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Sync         SyncConfig
	Breaker      BreakerConfig
	Remote       RemoteConfig
	RateLimiting RateLimitConfig
	Google       GoogleConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey []byte
	// APIToken is the bearer token of the control API. Only serve needs it.
	APIToken string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// SyncConfig holds scheduling and run settings.
type SyncConfig struct {
	Workers            int
	DefaultInterval    time.Duration
	MinInterval        time.Duration
	MaxInterval        time.Duration
	DegradedFactor     int
	RunTimeout         time.Duration
	WindowPast         time.Duration
	WindowFuture       time.Duration
	TombstoneRetention time.Duration
	RunRetention       time.Duration
	// Reconcile is the cron schedule that enrolls new and reconnected
	// bindings for polling.
	Reconcile string
}

// BreakerConfig holds per-account circuit breaker settings.
type BreakerConfig struct {
	Threshold   int
	Window      time.Duration
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// RemoteConfig holds the per-account request budget.
type RemoteConfig struct {
	RPS   float64
	Burst int
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// GoogleConfig holds the OAuth2 client used to refresh Google tokens.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
}

// AlertConfig holds alert channel configuration.
type AlertConfig struct {
	WebhookURL   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool
	Cooldown     time.Duration
}

// loader collects the first parse error so Load reads like a table.
type loader struct {
	err error
}

func (l *loader) int(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return v
}

func (l *loader) float(key string, def float64) float64 {
	v, err := getEnvFloat(key, def)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return v
}

func (l *loader) bool(key string, def bool) bool {
	v, err := getEnvBool(key, def)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return v
}

func (l *loader) seconds(key string, def int) time.Duration {
	return time.Duration(l.int(key, def)) * time.Second
}

func (l *loader) days(key string, def int) time.Duration {
	return time.Duration(l.int(key, def)) * 24 * time.Hour
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	l := &loader{}
	cfg := &Config{}

	cfg.Server.Port = l.int("PORT", 8080)
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	encKeyHex := os.Getenv("ENCRYPTION_KEY")
	if encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKey
	}
	cfg.Security.APIToken = os.Getenv("API_TOKEN")
	if cfg.Security.APIToken != "" && len(cfg.Security.APIToken) < 32 {
		return nil, ErrAPITokenSize
	}

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/caldavsync.db")

	cfg.Sync = SyncConfig{
		Workers:            l.int("SYNC_WORKERS", 8),
		DefaultInterval:    l.seconds("DEFAULT_SYNC_INTERVAL", 300),
		MinInterval:        l.seconds("MIN_SYNC_INTERVAL", 30),
		MaxInterval:        l.seconds("MAX_SYNC_INTERVAL", 3600),
		DegradedFactor:     l.int("DEGRADED_INTERVAL_FACTOR", 4),
		RunTimeout:         l.seconds("SYNC_RUN_TIMEOUT", 600),
		WindowPast:         l.days("SYNC_WINDOW_PAST_DAYS", 90),
		WindowFuture:       l.days("SYNC_WINDOW_FUTURE_DAYS", 365),
		TombstoneRetention: l.days("TOMBSTONE_RETENTION_DAYS", 30),
		RunRetention:       l.days("RUN_RETENTION_DAYS", 30),
		Reconcile:          getEnv("SYNC_RECONCILE_SCHEDULE", "@every 1m"),
	}

	cfg.Breaker = BreakerConfig{
		Threshold:   l.int("BREAKER_THRESHOLD", 5),
		Window:      l.seconds("BREAKER_WINDOW", 30),
		Cooldown:    l.seconds("BREAKER_COOLDOWN", 30),
		MaxCooldown: l.seconds("BREAKER_MAX_COOLDOWN", 600),
	}

	cfg.Remote = RemoteConfig{
		RPS:   l.float("REMOTE_RPS", 5),
		Burst: l.int("REMOTE_BURST", 10),
	}

	cfg.RateLimiting = RateLimitConfig{
		RPS:   l.float("RATE_LIMIT_RPS", 10.0),
		Burst: l.int("RATE_LIMIT_BURST", 20),
	}

	cfg.Google = GoogleConfig{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
	}

	cfg.Alerts = AlertConfig{
		WebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     l.int("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
		SMTPTo:       splitList(os.Getenv("SMTP_TO")),
		SMTPTLS:      l.bool("SMTP_TLS", false),
		Cooldown:     time.Duration(l.int("ALERT_COOLDOWN_MINUTES", 60)) * time.Minute,
	}

	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if missing := cfg.getMissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return cfg, nil
}

// validate checks value ranges.
func (c *Config) validate() error {
	switch {
	case c.Sync.Workers < 1:
		return fmt.Errorf("%w: SYNC_WORKERS must be at least 1", ErrInvalidConfig)
	case c.Sync.MinInterval <= 0 || c.Sync.MaxInterval < c.Sync.MinInterval:
		return fmt.Errorf("%w: sync interval bounds must satisfy 0 < MIN_SYNC_INTERVAL <= MAX_SYNC_INTERVAL", ErrInvalidConfig)
	case c.Sync.DegradedFactor < 1:
		return fmt.Errorf("%w: DEGRADED_INTERVAL_FACTOR must be at least 1", ErrInvalidConfig)
	case c.Breaker.Threshold < 1:
		return fmt.Errorf("%w: BREAKER_THRESHOLD must be at least 1", ErrInvalidConfig)
	case c.Breaker.MaxCooldown < c.Breaker.Cooldown:
		return fmt.Errorf("%w: BREAKER_MAX_COOLDOWN must not be below BREAKER_COOLDOWN", ErrInvalidConfig)
	case c.Remote.RPS <= 0 || c.Remote.Burst < 1:
		return fmt.Errorf("%w: REMOTE_RPS and REMOTE_BURST must be positive", ErrInvalidConfig)
	}
	return nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string
	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	return missing
}

// RequireAPIToken fails when the control API has no token configured.
func (c *Config) RequireAPIToken() error {
	if c.Security.APIToken == "" {
		return fmt.Errorf("%w: API_TOKEN", ErrMissingConfig)
	}
	return nil
}

// WebhookEnabled reports whether webhook alerts are configured.
func (c *Config) WebhookEnabled() bool {
	return c.Alerts.WebhookURL != ""
}

// EmailEnabled reports whether email alerts are configured.
func (c *Config) EmailEnabled() bool {
	return c.Alerts.SMTPHost != ""
}

// GoogleOAuthEnabled reports whether Google tokens can be refreshed.
func (c *Config) GoogleOAuthEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
