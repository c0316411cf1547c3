package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the environment configuration and the billing policy holder.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint     string
	MetricsEnabled   bool
	MetricsExporter  string
	MetricsEndpoint  string

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

	SchedulerInterval time.Duration
	OutboxInterval    time.Duration
	WebhookTimeout    time.Duration

	SeedDemo bool

	StripeAPIKey    string
	StripeBaseURL   string
	IyzicoAPIKey    string
	IyzicoSecretKey string
	IyzicoBaseURL   string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		MetricsEnabled:  getenvBool("METRICS_ENABLED", false),
		MetricsExporter: strings.ToLower(getenv("METRICS_EXPORTER", "grpc")),
		MetricsEndpoint: strings.TrimSpace(getenv("METRICS_ENDPOINT", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		SchedulerInterval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
		OutboxInterval:    getenvDuration("OUTBOX_INTERVAL", 5*time.Second),
		WebhookTimeout:    getenvDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		SeedDemo: getenvBool("SEED_DEMO", false),

		StripeAPIKey:    getenv("STRIPE_API_KEY", ""),
		StripeBaseURL:   getenv("STRIPE_BASE_URL", ""),
		IyzicoAPIKey:    getenv("IYZICO_API_KEY", ""),
		IyzicoSecretKey: getenv("IYZICO_SECRET_KEY", ""),
		IyzicoBaseURL:   getenv("IYZICO_BASE_URL", ""),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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
