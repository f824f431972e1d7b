package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Store    StoreConfig
	Redis    RedisConfig
	Auth     AuthConfig
	AWS      AWSConfig
	Stripe   StripeConfig
}

// StripeConfig for checkout sessions and webhook verification.
type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	RegistrationFee  string // dollars, e.g. "25.00"
	Currency         string
	WebhookTolerance time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	ClientURL          string // frontend base URL used for checkout success/cancel redirects
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/btw?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver string // "postgres" or "memory"
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds identity token verification settings.
type AuthConfig struct {
	Mode        string // "hs256" or "emulator"
	Secret      string
	Issuer      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the receipts bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ReceiptsBucket       string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "5000"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			ClientURL:          strings.TrimRight(getEnv("CLIENT_URL", "http://localhost:5173"), "/"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "bravethewaves"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Mode:        strings.ToLower(getEnv("AUTH_MODE", "hs256")),
			Secret:      getEnv("AUTH_TOKEN_SECRET", ""),
			Issuer:      getEnv("AUTH_TOKEN_ISSUER", "bravethewaves"),
			ExpireHours: getEnvInt("AUTH_TOKEN_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ReceiptsBucket:       getEnv("AWS_S3_RECEIPTS_BUCKET", "btw-donation-receipts"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Stripe: StripeConfig{
			SecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
			RegistrationFee:  getEnv("REGISTRATION_FEE", "25.00"),
			Currency:         strings.ToUpper(getEnv("DEFAULT_CURRENCY", "CAD")),
			WebhookTolerance: time.Duration(getEnvInt("STRIPE_WEBHOOK_TOLERANCE_SEC", 300)) * time.Second,
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Auth.Mode {
	case "hs256":
		if c.Auth.Secret == "" {
			return fmt.Errorf("AUTH_TOKEN_SECRET is required when AUTH_MODE=hs256")
		}
	case "emulator":
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.Auth.Mode)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
