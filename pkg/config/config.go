package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the exit engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Engine loop
	TickInterval time.Duration
	RetryBudget  int

	// Order dispatch rate limiting (shared across all users)
	OrderRateLimit   float64 // orders per second
	OrderRateBurst   int
	OrderWaitTimeout time.Duration

	// Price feed
	UseMockFeed bool

	// Execution
	ExecutionEnabled bool

	// Broker REST endpoint
	BrokerBaseURL     string
	BrokerAPIKey      string
	BrokerAccessToken string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/squareoff.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            dbPath,
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		TokenTTL:          getEnvDuration("JWT_TTL", 72*time.Hour),
		TickInterval:      getEnvDuration("TICK_INTERVAL", time.Second),
		RetryBudget:       getEnvInt("ORDER_RETRY_BUDGET", 3),
		OrderRateLimit:    getEnvFloat("ORDER_RATE_LIMIT", 5),
		OrderRateBurst:    getEnvInt("ORDER_RATE_BURST", 10),
		OrderWaitTimeout:  getEnvDuration("ORDER_WAIT_TIMEOUT", 200*time.Millisecond),
		UseMockFeed:       getEnv("USE_MOCK_FEED", "true") == "true",
		ExecutionEnabled:  getEnv("EXECUTION_ENABLED", "true") == "true",
		BrokerBaseURL:     getEnv("BROKER_BASE_URL", "https://api.kite.trade"),
		BrokerAPIKey:      os.Getenv("BROKER_API_KEY"),
		BrokerAccessToken: os.Getenv("BROKER_ACCESS_TOKEN"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
