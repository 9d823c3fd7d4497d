package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mhbxyz/OpenWatchParty/internal/config"
)

func signToken(t *testing.T, secret, aud, iss, sub, name string, exp time.Time) string {
	t.Helper()
	claims := CustomClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  jwt.ClaimStrings{aud},
			Issuer:    iss,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestValidateTokenDisabledModeReturnsAnonymous(t *testing.T) {
	v := NewValidator(&config.Config{})
	claims, err := v.ValidateToken("anything")
	if err != nil {
		t.Fatalf("unexpected error in anonymous mode: %v", err)
	}
	if claims.Subject != "anonymous" {
		t.Fatalf("expected anonymous subject, got %q", claims.Subject)
	}
}

func TestValidateTokenAcceptsValidSignature(t *testing.T) {
	cfg := &config.Config{JWTSecret: "super-secret-value-for-testing-only", JWTAudience: "OpenWatchParty", JWTIssuer: "Jellyfin"}
	v := NewValidator(cfg)
	tok := signToken(t, cfg.JWTSecret, cfg.JWTAudience, cfg.JWTIssuer, "user-1", "Alice", time.Now().Add(time.Hour))

	claims, err := v.ValidateToken(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "user-1" || claims.Name != "Alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	cfg := &config.Config{JWTSecret: "super-secret-value-for-testing-only", JWTAudience: "OpenWatchParty", JWTIssuer: "Jellyfin"}
	v := NewValidator(cfg)
	tok := signToken(t, cfg.JWTSecret, cfg.JWTAudience, cfg.JWTIssuer, "user-1", "Alice", time.Now().Add(-2*time.Hour))

	if _, err := v.ValidateToken(tok); err == nil {
		t.Fatal("expected an error for an expired token")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	cfg := &config.Config{JWTSecret: "super-secret-value-for-testing-only", JWTAudience: "OpenWatchParty", JWTIssuer: "Jellyfin"}
	v := NewValidator(cfg)
	tok := signToken(t, "wrong-secret-altogether-value-here", cfg.JWTAudience, cfg.JWTIssuer, "user-1", "Alice", time.Now().Add(time.Hour))

	if _, err := v.ValidateToken(tok); err == nil {
		t.Fatal("expected an error for a mismatched signature")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	cfg := &config.Config{JWTSecret: "super-secret-value-for-testing-only", JWTAudience: "OpenWatchParty", JWTIssuer: "Jellyfin"}
	v := NewValidator(cfg)
	tok := signToken(t, cfg.JWTSecret, "SomeoneElse", cfg.JWTIssuer, "user-1", "Alice", time.Now().Add(time.Hour))

	if _, err := v.ValidateToken(tok); err == nil {
		t.Fatal("expected an error for a mismatched audience")
	}
}
