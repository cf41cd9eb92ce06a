// Package middleware provides Gin HTTP middleware for request identification,
// metrics, bearer authentication, role checks, rate limiting and security headers.
//
// Ordering is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → Auth → RateLimit → RequireAdmin → Handler
//
// Rate limiting runs after auth on the management API so budgets are per caller;
// the webhook route has no bearer token and is limited per source IP.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/channelhub/channelhub/internal/auth"
)

const (
	// ClaimsKey is the gin.Context key holding the verified *auth.Claims.
	ClaimsKey = "claims"
	// ActorKey is the gin.Context key holding the audit actor string.
	ActorKey = "actor"
)

// TokenValidator verifies a bearer token.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// AuthMiddleware requires a valid bearer JWT and stores its claims and actor.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Missing authorization header")
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c, "Authorization header must start with 'Bearer '")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			abortUnauthorized(c, "Authorization token is empty")
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(ActorKey, "user:"+claims.Subject)
		c.Next()
	}
}

// RequireAdmin rejects callers whose token does not carry the admin role.
// It must run after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			abortUnauthorized(c, "Authentication required")
			return
		}
		if !claims.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Administrator role required",
				"code":  "forbidden",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims, or nil for unauthenticated requests.
func GetClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// GetActor returns the audit actor for the request, "system" if unauthenticated.
func GetActor(c *gin.Context) string {
	if v, ok := c.Get(ActorKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "system"
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  "unauthorized",
	})
}
