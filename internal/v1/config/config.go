// Package config loads and validates environment configuration: required
// variables are checked up front, every failure is accumulated instead of
// failing on the first one, and the resolved configuration is logged once
// with secrets redacted.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds the validated environment configuration for a rtcsession
// process: the membership-core tunables, plus the connection
// settings needed to wire a real homeserver client, admin HTTP listener,
// and Redis event bus.
type Config struct {
	// Required variables.
	HomeserverURL string
	AccessToken   string
	UserID        string
	DeviceID      string
	RoomID        string
	Port          string

	// RoomVersion informs membership state-key derivation; optional, empty
	// means a current (non-legacy) room version.
	RoomVersion string

	// Optional, defaulted.
	GoEnv             string
	LogLevel          string
	JWTSecret         string
	RedisEnabled      bool
	RedisAddr         string
	RedisPassword     string
	AllowedOrigins    string
	OtelCollectorAddr string

	// Membership-core tunables.
	MembershipEventExpiryMs         int64
	MembershipEventExpiryHeadroomMs int64
	DelayedLeaveEventDelayMs        int64
	DelayedLeaveEventRestartMs      int64
	MaxRateLimitRetryCount          int
	MaxNetworkErrorRetryCount       int
	NetworkErrorRetryMs             int64

	// Outbound throttle applied by pkg/matrixclient, on top of the client's
	// own reactive RateLimited handling.
	OutboundRequestsPerSecond int64
}

// ValidateEnv validates all required environment variables and returns a
// Config. Every validation failure is accumulated so operators see the
// full list of problems in one error, not one-at-a-time.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.HomeserverURL = os.Getenv("MATRIX_HOMESERVER_URL")
	if cfg.HomeserverURL == "" {
		errs = append(errs, "MATRIX_HOMESERVER_URL is required")
	}

	cfg.AccessToken = os.Getenv("MATRIX_ACCESS_TOKEN")
	if cfg.AccessToken == "" {
		errs = append(errs, "MATRIX_ACCESS_TOKEN is required")
	}

	cfg.UserID = os.Getenv("MATRIX_USER_ID")
	if cfg.UserID == "" {
		errs = append(errs, "MATRIX_USER_ID is required")
	}

	cfg.DeviceID = os.Getenv("MATRIX_DEVICE_ID")
	if cfg.DeviceID == "" {
		errs = append(errs, "MATRIX_DEVICE_ID is required")
	}

	cfg.RoomID = os.Getenv("MATRIX_ROOM_ID")
	if cfg.RoomID == "" {
		errs = append(errs, "MATRIX_ROOM_ID is required")
	}

	cfg.RoomVersion = os.Getenv("MATRIX_ROOM_VERSION")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.JWTSecret = os.Getenv("ADMIN_JWT_SECRET")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.MembershipEventExpiryMs = getEnvInt64OrDefault("MEMBERSHIP_EVENT_EXPIRY_MS", 14_400_000)
	cfg.MembershipEventExpiryHeadroomMs = getEnvInt64WithDeprecated("MEMBERSHIP_EVENT_EXPIRY_HEADROOM_MS", "MEMBERSHIP_EXPIRY_HEADROOM_MS", 5_000)
	cfg.DelayedLeaveEventDelayMs = getEnvInt64OrDefault("DELAYED_LEAVE_EVENT_DELAY_MS", 8_000)
	cfg.DelayedLeaveEventRestartMs = getEnvInt64OrDefault("DELAYED_LEAVE_EVENT_RESTART_MS", 5_000)
	cfg.MaxRateLimitRetryCount = int(getEnvInt64OrDefault("MAX_RATE_LIMIT_RETRY_COUNT", 10))
	cfg.MaxNetworkErrorRetryCount = int(getEnvInt64OrDefault("MAX_NETWORK_ERROR_RETRY_COUNT", 10))
	cfg.NetworkErrorRetryMs = getEnvInt64WithDeprecated("NETWORK_ERROR_RETRY_MS", "NETWORK_ERROR_RETRY_MIN_MS", 3_000)
	cfg.OutboundRequestsPerSecond = getEnvInt64OrDefault("OUTBOUND_REQUESTS_PER_SECOND", 10)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"homeserver_url", cfg.HomeserverURL,
		"access_token", redactSecret(cfg.AccessToken),
		"user_id", cfg.UserID,
		"device_id", cfg.DeviceID,
		"room_id", cfg.RoomID,
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"membership_event_expiry_ms", cfg.MembershipEventExpiryMs,
		"delayed_leave_event_delay_ms", cfg.DelayedLeaveEventDelayMs,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt64WithDeprecated reads key, falling back to a previously-used
// name for the same tunable. The canonical name always wins if both are
// set.
func getEnvInt64WithDeprecated(key, deprecatedKey string, defaultValue int64) int64 {
	if _, exists := os.LookupEnv(key); exists {
		return getEnvInt64OrDefault(key, defaultValue)
	}
	if raw, exists := os.LookupEnv(deprecatedKey); exists {
		slog.Warn("using deprecated environment variable name, switch to the canonical one",
			"deprecated", deprecatedKey, "canonical", key)
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", deprecatedKey, "value", raw, "default", defaultValue)
			return defaultValue
		}
		return v
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
