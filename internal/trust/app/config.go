package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer string // Issuer name used in provisioning URIs and seal receipts

	DatabaseFile  string // Path to the SQLite database file (default: ./trust.db)
	RedisAddr     string // Optional: redis address for shared guard/risk state
	LedgerKeyFile string // Path to the 32+ byte ledger master key (default: ./ledger.key)

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: json)

	HousekeepingInterval time.Duration // Expired-record sweep interval (default: 15m)
	SealInterval         time.Duration // Audit batch seal interval (default: 1h)

	RecoveryCodeCount int // Recovery codes issued per enrollment (default: 8)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:               getEnvOrDefault("TRUST_ISSUER", "trustcore"),
		DatabaseFile:         getEnvOrDefault("TRUST_DATABASE_FILE", "trust.db"),
		RedisAddr:            os.Getenv("TRUST_REDIS_ADDR"),
		LedgerKeyFile:        getEnvOrDefault("TRUST_LEDGER_KEY_FILE", "ledger.key"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		HousekeepingInterval: getEnvDurationOrDefault("TRUST_HOUSEKEEPING_INTERVAL", 15*time.Minute),
		SealInterval:         getEnvDurationOrDefault("TRUST_SEAL_INTERVAL", time.Hour),
		RecoveryCodeCount:    getEnvIntOrDefault("TRUST_RECOVERY_CODES", 8),
	}
	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
