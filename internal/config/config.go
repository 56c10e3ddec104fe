package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the atomsAgent backend.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Compose   ComposeConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty means no store is
	// configured and composition degrades to "no extra tools".
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeyHeader string
}

// ComposeConfig tunes the MCP composition engine.
type ComposeConfig struct {
	// MaxConcurrentBuilds bounds the per-server build fan-out.
	MaxConcurrentBuilds int
	// BuildTimeout is the per-server build deadline. Exceeding it marks the
	// entry build_timeout; it never fails the whole composition.
	BuildTimeout time.Duration
	// ToolCallTimeout bounds a single tools/call round trip.
	ToolCallTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ATOMS_PORT", 8080),
		Version: envStr("ATOMS_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "atoms-agent-backend"),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
		},
		Compose: ComposeConfig{
			MaxConcurrentBuilds: envInt("COMPOSE_MAX_CONCURRENT_BUILDS", 8),
			BuildTimeout:        envDuration("COMPOSE_BUILD_TIMEOUT", 5*time.Second),
			ToolCallTimeout:     envDuration("COMPOSE_TOOL_CALL_TIMEOUT", 30*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
