// Package config validates process environment variables into a typed
// Config, aggregating every problem found instead of failing on the first.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"os"
)

// Config holds validated environment configuration.
type Config struct {
	// Port the HTTP/WebSocket listener binds to.
	Port string

	// JWTSecret, when non-empty, enables token authentication. When empty
	// the server runs in anonymous mode and trusts client-declared identity.
	JWTSecret string
	// JWTAudience and JWTIssuer are validated against incoming token claims
	// when JWTSecret is set.
	JWTAudience string
	JWTIssuer   string

	// AllowedOrigins is a comma-separated list of origins permitted to open
	// a WebSocket connection. "*" disables origin checking.
	AllowedOrigins string

	// LogLevel is one of debug/info/warn/error.
	LogLevel string
	// DevelopmentMode switches the logger to a human-readable console encoder.
	DevelopmentMode bool

	// OTLPEndpoint, when set, enables trace export to this collector address.
	OTLPEndpoint string
}

// minEntropyBits is the minimum Shannon entropy a JWT secret should carry
// before it is considered safe for production use.
const minEntropyBits = 80.0

// ValidateEnv validates required environment variables and returns a Config.
// Auth-related variables are optional: an empty JWT_SECRET runs the server
// in anonymous mode, and JWT_AUDIENCE and JWT_ISSUER fall back to
// "OpenWatchParty" and "Jellyfin" when unset.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "3000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTAudience = getEnvOrDefault("JWT_AUDIENCE", "OpenWatchParty")
	cfg.JWTIssuer = getEnvOrDefault("JWT_ISSUER", "Jellyfin")
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, authentication DISABLED")
	} else {
		if len(cfg.JWTSecret) < 32 {
			slog.Warn("JWT_SECRET is too short; use at least 32 characters for secure authentication")
		}
		if bits := shannonEntropyBits(cfg.JWTSecret); bits < minEntropyBits {
			slog.Warn("JWT_SECRET has low entropy; use a cryptographically random secret",
				"entropy_bits", fmt.Sprintf("%.1f", bits), "minimum_recommended", minEntropyBits)
		}
	}

	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:8096,https://localhost:8096")
	originCount := 0
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if strings.TrimSpace(o) != "" {
			originCount++
		}
		if strings.TrimSpace(o) == "*" {
			slog.Warn("SECURITY: wildcard origin (*) configured - ALL origins allowed")
		}
	}
	if originCount == 0 {
		errs = append(errs, fmt.Sprintf("ALLOWED_ORIGINS must list at least one origin (got %q)", cfg.AllowedOrigins))
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("GO_ENV") != "production"
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// AuthEnabled reports whether the server validates bearer tokens.
func (c *Config) AuthEnabled() bool { return c.JWTSecret != "" }

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"auth_enabled", cfg.AuthEnabled(),
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"jwt_secret_length", len(cfg.JWTSecret),
		"allowed_origins", cfg.AllowedOrigins,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"otlp_endpoint", cfg.OTLPEndpoint,
	)
}

// redactSecret never returns any byte of secret. Length and entropy are
// logged separately — the secret material itself must not appear in logs.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// shannonEntropyBits estimates the total entropy of s in bits, treating each
// byte as an independent sample from the observed frequency distribution.
func shannonEntropyBits(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var entropyPerByte float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropyPerByte -= p * math.Log2(p)
	}
	return entropyPerByte * n
}
