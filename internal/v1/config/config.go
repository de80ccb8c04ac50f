// Package config validates and loads the room engine's environment
// configuration, following the same eager-validation-at-startup pattern
// used throughout this codebase.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// RateLimitTier is one configured tier of internal/v1/ratelimit.
type RateLimitTier struct {
	MaxRequests   int
	WindowMs      int
	BurstSize     int
	BurstWindowMs int
}

// Config holds validated environment configuration for the room engine.
type Config struct {
	// Required
	JWTSecret string
	Port      string

	// Optional, with defaults
	GoEnv    string
	LogLevel string

	RedisURL string // optional; empty means in-process bus adapter

	RoomCodeLength          int
	RoomExpirationHours     int
	MaxPlayers              int
	SnapshotIntervalVersion int
	SnapshotMaxPerRoom      int
	ReplayBufferCapacity    int
	ReplayEventTTLMs        int
	DedupTTLMs              int
	AckTimeoutMs            int
	SyncScanHz              int
	MinFullBroadcastGapMs   int

	RateLimits map[string]RateLimitTier

	AllowedOrigins string
}

// ValidateEnv validates all recognized environment variables and returns a
// Config, or an error accumulating every validation failure found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.RoomCodeLength = intRangeEnv("ROOM_CODE_LENGTH", 4, 4, 8, &errors)
	cfg.RoomExpirationHours = intRangeEnv("ROOM_EXPIRATION_HOURS", 24, 1, 168, &errors)
	cfg.MaxPlayers = intRangeEnv("MAX_PLAYERS", 50, 5, 100, &errors)
	cfg.SnapshotIntervalVersion = intDefaultEnv("SNAPSHOT_INTERVAL_VERSIONS", 10, &errors)
	cfg.SnapshotMaxPerRoom = intDefaultEnv("SNAPSHOT_MAX_PER_ROOM", 10, &errors)
	cfg.ReplayBufferCapacity = intDefaultEnv("REPLAY_BUFFER_CAPACITY", 100, &errors)
	cfg.ReplayEventTTLMs = intDefaultEnv("REPLAY_EVENT_TTL_MS", 3_600_000, &errors)
	cfg.DedupTTLMs = intDefaultEnv("DEDUP_TTL_MS", 3_600_000, &errors)
	cfg.AckTimeoutMs = intDefaultEnv("ACK_TIMEOUT_MS", 2_000, &errors)
	cfg.SyncScanHz = intDefaultEnv("SYNC_SCAN_HZ", 10, &errors)
	cfg.MinFullBroadcastGapMs = intDefaultEnv("MIN_FULL_BROADCAST_GAP_MS", 200, &errors)

	cfg.RateLimits = defaultRateLimits()
	if raw := os.Getenv("RATE_LIMITS"); raw != "" {
		parsed, err := parseRateLimits(raw)
		if err != nil {
			errors = append(errors, fmt.Sprintf("RATE_LIMITS invalid: %v", err))
		} else {
			for tier, v := range parsed {
				cfg.RateLimits[tier] = v
			}
		}
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func defaultRateLimits() map[string]RateLimitTier {
	return map[string]RateLimitTier{
		"client": {MaxRequests: 20, WindowMs: 1_000, BurstSize: 40, BurstWindowMs: 5_000},
		"room":   {MaxRequests: 100, WindowMs: 1_000, BurstSize: 200, BurstWindowMs: 5_000},
		"action": {MaxRequests: 10, WindowMs: 1_000, BurstSize: 20, BurstWindowMs: 5_000},
	}
}

// parseRateLimits parses "tier:maxRequests/windowMs[:burstSize/burstWindowMs],..."
func parseRateLimits(raw string) (map[string]RateLimitTier, error) {
	out := make(map[string]RateLimitTier)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed tier entry %q", entry)
		}
		tier := parts[0]
		mw := strings.SplitN(parts[1], "/", 2)
		if len(mw) != 2 {
			return nil, fmt.Errorf("malformed rate spec %q for tier %q", parts[1], tier)
		}
		maxReq, err := strconv.Atoi(mw[0])
		if err != nil {
			return nil, fmt.Errorf("bad maxRequests for tier %q: %w", tier, err)
		}
		windowMs, err := strconv.Atoi(mw[1])
		if err != nil {
			return nil, fmt.Errorf("bad windowMs for tier %q: %w", tier, err)
		}
		tierCfg := RateLimitTier{MaxRequests: maxReq, WindowMs: windowMs}
		if len(parts) >= 3 {
			bw := strings.SplitN(parts[2], "/", 2)
			if len(bw) == 2 {
				tierCfg.BurstSize, _ = strconv.Atoi(bw[0])
				tierCfg.BurstWindowMs, _ = strconv.Atoi(bw[1])
			}
		}
		out[tier] = tierCfg
	}
	return out, nil
}

func intDefaultEnv(key string, def int, errors *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errors = append(*errors, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return v
}

func intRangeEnv(key string, def, min, max int, errors *[]string) int {
	v := intDefaultEnv(key, def, errors)
	if v < min || v > max {
		*errors = append(*errors, fmt.Sprintf("%s must be between %d and %d (got %d)", key, min, max, v))
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"redis_url", redactSecret(cfg.RedisURL),
		"room_code_length", cfg.RoomCodeLength,
		"max_players", cfg.MaxPlayers,
		"ack_timeout_ms", cfg.AckTimeoutMs,
		"sync_scan_hz", cfg.SyncScanHz,
	)
}

// redactSecret redacts a secret, showing only the first 8 characters.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
