package auth

import (
	"fmt"
)

// Config holds token validation settings. At least one of JWTSecret or
// JWKSURL is required.
type Config struct {
	JWTSecret   string // HS256 shared secret
	JWKSURL     string // RS256/ES256 signing keys
	Issuer      string // optional expected iss
	Audience    string // optional expected aud
	WorkerToken string // shared secret for remote workers
}

// Validate ensures enough configuration is present to verify tokens
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.JWKSURL == "" {
		return fmt.Errorf("JWT_SECRET or JWKS_URL is required")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	return nil
}
