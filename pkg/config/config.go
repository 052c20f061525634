package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the broker's environment-driven configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// MetricsAddr is the Prometheus metrics listen address.
	MetricsAddr string
	// Timeout is the long-poll wait window for consume requests.
	Timeout time.Duration
	// StoreBackend selects the store: postgres, mongo, or memory.
	StoreBackend string
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string
	// DBMaxConns caps the Postgres pool; zero keeps the driver default.
	DBMaxConns int
	// MongoURL and MongoDB locate the MongoDB backend.
	MongoURL string
	MongoDB  string
	// RabbitURL enables the cross-node publish notifier when non-empty.
	RabbitURL string
	// ReclaimSchedule is a cron spec for the expired-reservation sweep;
	// empty disables it.
	ReclaimSchedule string
}

// FromEnv reads configuration from the environment, applying defaults.
func FromEnv() Config {
	cfg := Config{
		Addr:            ":" + envOr("PORT", "8080"),
		MetricsAddr:     envOr("METRICS_ADDR", ":8081"),
		Timeout:         time.Duration(envInt("TIMEOUT", 500)) * time.Millisecond,
		StoreBackend:    envOr("STORE", "postgres"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBMaxConns:      envInt("DB_MAX_CONNS", 0),
		MongoURL:        envOr("MONGO_URL", "mongodb://localhost:27017"),
		MongoDB:         envOr("MONGO_DB", "cloudq"),
		RabbitURL:       os.Getenv("RABBITMQ_URL"),
		ReclaimSchedule: os.Getenv("RECLAIM_SCHEDULE"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
