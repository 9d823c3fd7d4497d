// Package auth validates client bearer tokens. Unlike a JWKS-backed
// identity provider, this server trusts a single shared HMAC secret (the
// Jellyfin plugin and the server are configured with the same value), so
// there is no remote key fetch: validation is synchronous and local.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mhbxyz/OpenWatchParty/internal/config"
)

// CustomClaims is the claim set issued by the Jellyfin plugin: subject and
// display name identify the user, audience/issuer pin the token to this
// deployment.
type CustomClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// authLeeway tolerates clock skew between the token issuer and this server.
const authLeeway = 60 * time.Second

// Validator validates bearer tokens against a shared HMAC secret. When no
// secret is configured, ValidateToken always succeeds and returns an
// anonymous claim set, matching the server's anonymous-mode behavior.
type Validator struct {
	secret   []byte
	audience string
	issuer   string
	enabled  bool
}

// NewValidator builds a Validator from a validated Config.
func NewValidator(cfg *config.Config) *Validator {
	return &Validator{
		secret:   []byte(cfg.JWTSecret),
		audience: cfg.JWTAudience,
		issuer:   cfg.JWTIssuer,
		enabled:  cfg.AuthEnabled(),
	}
}

// Enabled reports whether tokens are actually checked.
func (v *Validator) Enabled() bool { return v.enabled }

// ValidateToken parses and validates tokenString, checking signature,
// audience, issuer, and expiration with a 60 second leeway for clock skew.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	if !v.enabled {
		return &CustomClaims{
			Name: "Anonymous",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:  "anonymous",
				Audience: jwt.ClaimStrings{v.audience},
				Issuer:   v.issuer,
			},
		}, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{},
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(authLeeway),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	return claims, nil
}
