// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port              string
	LogLevel          string
	DBPath            string
	AuditLogPath      string
	PolicyDir         string
	TickInterval      time.Duration
	MaxDeleteAttempts int
	RateLimitRPS      int
	RateLimitBurst    int
	JWTSecret         string
	OTLPEndpoint      string
	TelemetryEnabled  bool
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		DBPath:            getEnv("DB_PATH", "custodian.db"),
		AuditLogPath:      getEnv("AUDIT_LOG_PATH", "audit.jsonl"),
		PolicyDir:         os.Getenv("POLICY_DIR"),
		TickInterval:      getDuration("TICK_INTERVAL", time.Minute),
		MaxDeleteAttempts: getInt("MAX_DELETE_ATTEMPTS", 3),
		RateLimitRPS:      getInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    getInt("RATE_LIMIT_BURST", 100),
		JWTSecret:         os.Getenv("AUTH_JWT_SECRET"),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled:  os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
