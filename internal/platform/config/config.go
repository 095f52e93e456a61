package config

import (
	"os"
	"strings"
	"time"
)

// Config captures process-level configuration. main stays lean: all sourcing
// happens here.
type Config struct {
	Addr          string
	JWTSigningKey string

	// DatabaseURL selects the postgres consent store when set; the in-memory
	// store is used otherwise.
	DatabaseURL string

	// RedisURL enables the trainer-summary cache when set.
	RedisURL        string
	SummaryCacheTTL time.Duration

	// KafkaBrokers enables the ops audit publisher when set.
	KafkaBrokers    []string
	AuditTopic      string
	ShutdownTimeout time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		Addr:            envOr("CONSENT_ADDR", ":8080"),
		JWTSigningKey:   envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		SummaryCacheTTL: durationOr("SUMMARY_CACHE_TTL", 15*time.Second),
		AuditTopic:      envOr("AUDIT_TOPIC", "trainshare.audit"),
		ShutdownTimeout: durationOr("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
