package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

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

	RedisAddr     string
	RedisPassword string

	SMTP    SMTPConfig
	SMS     SMSConfig
	Worker  WorkerConfig
	Command CommandConfig
}

// SMTPConfig configures the email delivery provider.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// SMSConfig configures the webhook-based SMS delivery provider.
type SMSConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// WorkerConfig controls the background reaction worker.
type WorkerConfig struct {
	RunInterval      time.Duration
	BatchSize        int
	ApprovalSLA      time.Duration
	ExpiryLeadTimes  []time.Duration
	DeliveryAttempts int
	EnabledJobs      []string
}

// CommandConfig controls the command API surface.
type CommandConfig struct {
	RateLimitPerMinute float64
	RateLimitBurst     int
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "geowarn"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "geowarn"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		SMTP: SMTPConfig{
			Host:       getenv("SMTP_HOST", ""),
			Port:       getenvInt("SMTP_PORT", 587),
			Username:   getenv("SMTP_USERNAME", ""),
			Password:   getenv("SMTP_PASSWORD", ""),
			From:       getenv("SMTP_FROM", "alerts@geowarn.local"),
			Recipients: splitList(getenv("SMTP_RECIPIENTS", "")),
		},
		SMS: SMSConfig{
			Endpoint:  getenv("SMS_WEBHOOK_ENDPOINT", ""),
			AuthToken: getenv("SMS_WEBHOOK_TOKEN", ""),
			Timeout:   getenvDuration("SMS_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			RunInterval:      getenvDuration("WORKER_RUN_INTERVAL", 15*time.Second),
			BatchSize:        getenvInt("WORKER_BATCH_SIZE", 100),
			ApprovalSLA:      getenvDuration("APPROVAL_SLA", 15*time.Minute),
			ExpiryLeadTimes:  getenvDurations("EXPIRY_LEAD_TIMES", []time.Duration{time.Hour, 15 * time.Minute}),
			DeliveryAttempts: getenvInt("DELIVERY_MAX_ATTEMPTS", 5),
			EnabledJobs:      splitList(getenv("WORKER_ENABLED_JOBS", "")),
		},
		Command: CommandConfig{
			RateLimitPerMinute: getenvFloat("COMMAND_RATE_LIMIT_PER_MINUTE", 120),
			RateLimitBurst:     getenvInt("COMMAND_RATE_LIMIT_BURST", 30),
		},
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvDurations(key string, def []time.Duration) []time.Duration {
	parts := splitList(os.Getenv(key))
	if len(parts) == 0 {
		return def
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		parsed, err := time.ParseDuration(p)
		if err != nil || parsed <= 0 {
			return def
		}
		out = append(out, parsed)
	}
	return out
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
