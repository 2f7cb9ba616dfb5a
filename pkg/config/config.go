package config

import "os"

// Config holds application configuration
type Config struct {
	Port              string
	DBPath            string
	LogLevel          string
	ReconcileSchedule string
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "loanbook.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@hourly"),
	}
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
