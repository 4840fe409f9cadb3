package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the exchange core.
type Config struct {
	// API surface
	Port      string
	JWTSecret string
	// AllowAnonymous accepts queue requests without a user id while callers
	// migrate; such requests are logged as a security degradation and the
	// flag is scheduled for removal.
	AllowAnonymous bool

	// Database
	DBPath string

	// Queue transport: "memory" or "redis".
	Transport   string
	RedisAddr   string
	RedisDB     int
	ResponseTTL time.Duration

	// Request timeout tiers.
	ReadTimeout    time.Duration // balances, tickers, single-order reads
	ListingTimeout time.Duration // open orders, history
	OrderTimeout   time.Duration // order mutations

	// Order monitor
	ScanInterval     time.Duration
	InterBrokerDelay time.Duration
	HistoryLimit     int
	InitialLookback  time.Duration
	ErrorThreshold   int

	// Gateway
	BrokerCacheTTL time.Duration

	// Broker seed file (YAML), optional.
	BrokerSeedPath string

	// Notifications
	TelegramToken  string
	TelegramChatID string

	// Metrics
	MetricsEnabled bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/exchange.db")
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		AllowAnonymous: getEnv("ALLOW_ANONYMOUS_REQUESTS", "false") == "true",

		DBPath: dbPath,

		Transport:   strings.ToLower(getEnv("QUEUE_TRANSPORT", "memory")),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),
		ResponseTTL: getEnvDuration("RESPONSE_TTL", 30*time.Second),

		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 60*time.Second),
		ListingTimeout: getEnvDuration("LISTING_TIMEOUT", 90*time.Second),
		OrderTimeout:   getEnvDuration("ORDER_TIMEOUT", 120*time.Second),

		ScanInterval:     getEnvDuration("MONITOR_SCAN_INTERVAL", 10*time.Second),
		InterBrokerDelay: getEnvDuration("MONITOR_BROKER_DELAY", time.Second),
		HistoryLimit:     getEnvInt("MONITOR_HISTORY_LIMIT", 50),
		InitialLookback:  getEnvDuration("MONITOR_INITIAL_LOOKBACK", 24*time.Hour),
		ErrorThreshold:   getEnvInt("MONITOR_ERROR_THRESHOLD", 3),

		BrokerCacheTTL: getEnvDuration("BROKER_CACHE_TTL", 5*time.Minute),

		BrokerSeedPath: getEnv("BROKER_SEED_PATH", ""),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),

		MetricsEnabled: getEnv("METRICS_ENABLED", "true") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
