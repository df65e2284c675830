// Package config loads process configuration from the environment, with an
// optional .env file for development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds everything the binaries need at startup.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NatsURL     string
	EtcdURL     string
	JWTSecret   string

	// LockProvider selects the mutual exclusion backend: redis, etcd or
	// local (single process).
	LockProvider string

	// PlatformAccountID, when set, receives the 10% fee on winning bids.
	PlatformAccountID string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	ExpiryInterval     time.Duration
	ActivationInterval time.Duration
	QueueConcurrency   int
	QueueMaxAttempts   int
}

// Load reads the environment. A missing .env file is fine in production.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using system environment")
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "localhost:6379"),
		NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		EtcdURL:            getEnv("ETCD_URL", "localhost:2379"),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		LockProvider:       getEnv("LOCK_PROVIDER", "redis"),
		PlatformAccountID:  getEnv("PLATFORM_ACCOUNT_ID", ""),
		InfluxURL:          getEnv("INFLUXDB_URL", ""),
		InfluxToken:        getEnv("INFLUXDB_TOKEN", ""),
		InfluxOrg:          getEnv("INFLUXDB_ORG", "auctionhouse"),
		InfluxBucket:       getEnv("INFLUXDB_BUCKET", "ops"),
		ExpiryInterval:     getDuration("EXPIRY_INTERVAL", 5*time.Second),
		ActivationInterval: getDuration("ACTIVATION_INTERVAL", 10*time.Second),
		QueueConcurrency:   getInt("QUEUE_CONCURRENCY", 5),
		QueueMaxAttempts:   getInt("QUEUE_MAX_ATTEMPTS", 3),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.WithField("key", key).Warn("invalid integer in environment, using default")
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.WithField("key", key).Warn("invalid duration in environment, using default")
	}
	return fallback
}
