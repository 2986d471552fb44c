package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Dan9191/card-ledger/internal/utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds application configuration
type Config struct {
	Port      string
	DBConn    string
	Store     string
	LogLevel  string
	JWTSecret string

	LockBackend string
	RedisURL    string
	LockTTL     time.Duration

	CardPrefix          string
	ExpirySweepSchedule string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SenderEmail  string

	AllowedOrigins []string
}

// NewConfig loads configuration from a .env file, if present, and environment variables
func NewConfig() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	lockTTL, err := time.ParseDuration(getEnv("LOCK_TTL", "10s"))
	if err != nil {
		return nil, fmt.Errorf("LOCK_TTL is invalid: %w", err)
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		DBConn:    getEnv("DB_CONN", "host=localhost port=5436 user=test password=test dbname=cards sslmode=disable"),
		Store:     strings.ToLower(getEnv("STORE", StorePostgres)),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		JWTSecret: getEnv("JWT_SECRET", "secret"),

		LockBackend: strings.ToLower(getEnv("LOCK_BACKEND", LockLocal)),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		LockTTL:     lockTTL,

		CardPrefix:          getEnv("CARD_PREFIX", "465100"),
		ExpirySweepSchedule: getEnv("EXPIRY_SWEEP_SCHEDULE", "@every 1h"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SenderEmail:  getEnv("SENDER_EMAIL", "noreply@cards.local"),

		AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DBConn == "" {
			return fmt.Errorf("DB_CONN is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	switch c.LockBackend {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is redis")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockLocal, LockRedis, c.LockBackend)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if err := utils.ValidateIssuerPrefix(c.CardPrefix); err != nil {
		return fmt.Errorf("CARD_PREFIX is invalid: %w", err)
	}
	if c.ExpirySweepSchedule != "" {
		if _, err := cron.ParseStandard(c.ExpirySweepSchedule); err != nil {
			return fmt.Errorf("EXPIRY_SWEEP_SCHEDULE is invalid: %w", err)
		}
	}
	return nil
}

// EmailEnabled reports whether SMTP notifications are configured
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func parseStringSlice(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
