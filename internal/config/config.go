package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Gateway GatewayConfig
	Billing BillingConfig
	Dunning DunningConfig
	Email   EmailConfig
}

// GatewayConfig selects and configures the payment provider adapter.
type GatewayConfig struct {
	Provider     string
	SecretKey    string
	Endpoint     string
	Currency     string
	Timeout      time.Duration
	RetryBackoff time.Duration
}

// BillingConfig tunes the recurring billing processor.
type BillingConfig struct {
	RunInterval time.Duration
	BatchSize   int
	Workers     int
}

// DunningConfig tunes failed-payment escalation.
type DunningConfig struct {
	Threshold int
}

// EmailConfig configures the outbound email provider.
type EmailConfig struct {
	Provider string
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "rebill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rebill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Gateway: GatewayConfig{
			Provider:     strings.ToLower(getenv("GATEWAY_PROVIDER", "noop")),
			SecretKey:    strings.TrimSpace(getenv("GATEWAY_SECRET_KEY", "")),
			Endpoint:     strings.TrimSpace(getenv("GATEWAY_ENDPOINT", "")),
			Currency:     strings.ToUpper(getenv("GATEWAY_CURRENCY", "USD")),
			Timeout:      getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
			RetryBackoff: getenvDuration("GATEWAY_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Billing: BillingConfig{
			RunInterval: getenvDuration("BILLING_RUN_INTERVAL", time.Hour),
			BatchSize:   getenvInt("BILLING_BATCH_SIZE", 100),
			Workers:     getenvInt("BILLING_WORKERS", 4),
		},
		Dunning: DunningConfig{
			Threshold: getenvInt("DUNNING_THRESHOLD", 3),
		},
		Email: EmailConfig{
			Provider: strings.ToLower(getenv("EMAIL_PROVIDER", "noop")),
			Host:     getenv("SMTP_HOST", ""),
			Port:     getenv("SMTP_PORT", "587"),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "billing@localhost"),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
