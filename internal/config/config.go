// Package config provides environment-driven configuration for the
// ingress and gateway processes.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings for both processes; each binary reads the subset
// it needs.
type Config struct {
	// Ingress (routing tier)
	WSPort         int
	IngressPort    int // internal HTTP port for /health
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	APIToken       string // static bearer token accepted by the validator

	// Gateway (session manager + engine + query API)
	APIPort     int
	MaxSessions int
	HostAddr    string
	HostPort    int
	TermRows    int
	TermCols    int

	// Broker
	RedisURL string

	// Durable store
	StoreDSN string
}

// Load reads configuration from the environment, consulting a local .env
// file first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		WSPort:         getEnvInt("WS_PORT", 8090),
		IngressPort:    getEnvInt("INGRESS_HTTP_PORT", 8091),
		PingInterval:   getEnvDuration("WS_PING_INTERVAL_MS", 30000),
		WriteTimeout:   getEnvDuration("WS_WRITE_TIMEOUT_MS", 10000),
		ReadTimeout:    getEnvDuration("WS_READ_TIMEOUT_MS", 60000),
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		APIToken:       getEnv("API_TOKEN", ""),

		APIPort:     getEnvInt("API_PORT", 8092),
		MaxSessions: getEnvInt("MAX_SESSIONS", 10),
		HostAddr:    getEnv("HOST_ADDR", "localhost"),
		HostPort:    getEnvInt("HOST_PORT", 3270),
		TermRows:    getEnvInt("TERM_ROWS", 43),
		TermCols:    getEnvInt("TERM_COLS", 80),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		StoreDSN: getEnv("STORE_DSN", "termgate.db"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
