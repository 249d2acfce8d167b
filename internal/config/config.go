// Package config provides configuration loading for the messaging gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the gateway.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// HTTP server timeouts. Write timeout stays unset because WebSocket
	// connections are long-lived and a write deadline on the underlying
	// conn would kill them.
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Session storage
	SessionsDir       string
	PersistenceDBPath string

	// Lifecycle timings
	SessionIdleTimeout time.Duration
	IdleSweepInterval  time.Duration
	InitStaleTimeout   time.Duration
	InitSweepInterval  time.Duration
	ReconnectGrace     time.Duration
	LogoutGuardGrace   time.Duration

	// QROrphanCleanup controls whether a QR event whose owning connection
	// is confirmed closed triggers session cleanup (true) or is only
	// logged and dropped (false).
	QROrphanCleanup bool

	// Backing engine worker command. The first token is the binary, the
	// rest are arguments; the session id and storage path are appended.
	EngineCommand      string
	EngineArgs         []string
	EngineReplyTimeout time.Duration

	// Optional JWT auth for WebSocket connects. Disabled when JWKSEndpoint
	// is empty.
	JWKSEndpoint string
	JWTIssuer    string
	JWTAudience  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("GATEWAY_PORT", 8080),
		Host:           getEnv("GATEWAY_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		SessionsDir:       getEnv("SESSIONS_DIR", "./sessions"),
		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", "./data/gateway.db"),

		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		IdleSweepInterval:  getEnvDuration("IDLE_SWEEP_INTERVAL", 5*time.Minute),
		InitStaleTimeout:   getEnvDuration("INIT_STALE_TIMEOUT", 2*time.Minute),
		InitSweepInterval:  getEnvDuration("INIT_SWEEP_INTERVAL", 1*time.Minute),
		ReconnectGrace:     getEnvDuration("RECONNECT_GRACE", 10*time.Second),
		LogoutGuardGrace:   getEnvDuration("LOGOUT_GUARD_GRACE", 2*time.Second),

		QROrphanCleanup: getEnvBool("QR_ORPHAN_CLEANUP", false),

		EngineReplyTimeout: getEnvDuration("ENGINE_REPLY_TIMEOUT", 30*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "msg-gateway"),
	}

	// The engine command is a single string split on whitespace; quoting is
	// intentionally unsupported to keep the parse predictable.
	engineCmd := strings.Fields(getEnv("ENGINE_CMD", ""))
	if len(engineCmd) > 0 {
		cfg.EngineCommand = engineCmd[0]
		cfg.EngineArgs = engineCmd[1:]
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("GATEWAY_PORT out of range: %d", cfg.Port)
	}
	if cfg.SessionIdleTimeout <= 0 {
		return nil, fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}
	if cfg.InitStaleTimeout <= 0 {
		return nil, fmt.Errorf("INIT_STALE_TIMEOUT must be positive")
	}
	if cfg.ReconnectGrace < 0 {
		return nil, fmt.Errorf("RECONNECT_GRACE must not be negative")
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
