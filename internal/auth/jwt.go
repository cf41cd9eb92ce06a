// Package auth handles bearer token issuance and verification for the
// management API. Tokens are HS256 JWTs carrying the caller's subject,
// organization and role; the subject becomes the audit actor "user:<sub>".
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognised by the API.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

const (
	defaultIssuer   = "channelhub"
	defaultTokenTTL = time.Hour
	minSecretLength = 32
)

// Claims represents the JWT claims structure
type Claims struct {
	OrganizationID string `json:"org,omitempty"`
	Role           string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token grants administrative operations.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// CanAccessOrganization reports whether the caller may act on orgID.
// Admin tokens and tokens without an organization scope may act on any.
func (c *Claims) CanAccessOrganization(orgID string) bool {
	return c.IsAdmin() || c.OrganizationID == "" || c.OrganizationID == orgID
}

// TokenManager signs and verifies tokens with one shared secret.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// NewTokenManager validates the secret and returns a manager.
// An empty secret is an error unless DEV_MODE is set, in which case a random
// secret is generated and tokens do not survive a restart.
func NewTokenManager(secret, issuer string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		if !isDevMode() {
			return nil, errors.New("auth.jwt_secret (CHH_AUTH_JWT_SECRET) is required; " +
				"generate one with: openssl rand -hex 32")
		}
		secret = generateRandomSecret()
		slog.Warn("jwt secret not set, using an auto-generated secret for development")
	} else if len(secret) < minSecretLength {
		slog.Warn("jwt secret is shorter than recommended", "min_length", minSecretLength)
	}
	if issuer == "" {
		issuer = defaultIssuer
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Generate creates a signed token. A zero expiresIn uses the manager's TTL.
func (m *TokenManager) Generate(subject, organizationID, role string, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if expiresIn == 0 {
		expiresIn = m.ttl
	}
	now := m.now()

	claims := &Claims{
		OrganizationID: organizationID,
		Role:           role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and validates a token
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
