package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func newTestManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(testSecret, "", 0)
	if err != nil {
		t.Fatalf("NewTokenManager() error: %v", err)
	}
	return m
}

func TestNewTokenManager(t *testing.T) {
	t.Run("valid secret", func(t *testing.T) {
		m, err := NewTokenManager(testSecret, "issuer-x", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.issuer != "issuer-x" || m.ttl != time.Minute {
			t.Errorf("issuer/ttl = %q/%v, want issuer-x/1m", m.issuer, m.ttl)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		if _, err := NewTokenManager("", "", 0); err == nil {
			t.Error("expected error without secret in production mode, got nil")
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "true")
		m, err := NewTokenManager("", "", 0)
		if err != nil {
			t.Fatalf("unexpected error in dev mode: %v", err)
		}
		if len(m.secret) == 0 {
			t.Error("generated secret is empty")
		}
		if m.issuer != defaultIssuer || m.ttl != defaultTokenTTL {
			t.Errorf("defaults not applied: %q %v", m.issuer, m.ttl)
		}
	})
}

func TestGenerateAndValidate(t *testing.T) {
	m := newTestManager(t)

	t.Run("round trip", func(t *testing.T) {
		token, err := m.Generate("alice", "org-1", RoleOperator, time.Hour)
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		claims, err := m.Validate(token)
		if err != nil {
			t.Fatalf("Validate() error: %v", err)
		}
		if claims.Subject != "alice" {
			t.Errorf("Subject = %q, want alice", claims.Subject)
		}
		if claims.OrganizationID != "org-1" {
			t.Errorf("OrganizationID = %q, want org-1", claims.OrganizationID)
		}
		if claims.IsAdmin() {
			t.Error("operator token reported as admin")
		}
		if claims.Issuer != defaultIssuer {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, defaultIssuer)
		}
	})

	t.Run("default expiry when zero duration", func(t *testing.T) {
		token, err := m.Generate("alice", "", RoleAdmin, 0)
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		claims, err := m.Validate(token)
		if err != nil {
			t.Fatalf("Validate() error: %v", err)
		}
		remaining := time.Until(claims.ExpiresAt.Time)
		if remaining < 50*time.Minute || remaining > 70*time.Minute {
			t.Errorf("default expiry remaining = %v, want ~1h", remaining)
		}
	})

	t.Run("empty subject", func(t *testing.T) {
		if _, err := m.Generate("", "org-1", RoleOperator, time.Hour); err == nil {
			t.Error("expected error for empty subject")
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := m.Generate("alice", "", RoleOperator, -time.Second)
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() expected error for expired token, got nil")
		}
	})

	t.Run("garbage and empty tokens", func(t *testing.T) {
		for _, tok := range []string{"not.a.valid.token", ""} {
			if _, err := m.Validate(tok); err == nil {
				t.Errorf("Validate(%q) expected error, got nil", tok)
			}
		}
	})

	t.Run("different secret is rejected", func(t *testing.T) {
		other, _ := NewTokenManager("completely-different-secret-32ch!", "", 0)
		token, _ := other.Generate("alice", "", RoleOperator, time.Hour)
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() expected error for token signed with different secret")
		}
	})

	t.Run("different issuer is rejected", func(t *testing.T) {
		other, _ := NewTokenManager(testSecret, "someone-else", 0)
		token, _ := other.Generate("alice", "", RoleOperator, time.Hour)
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() expected error for foreign issuer")
		}
	})

	t.Run("none algorithm is rejected", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: defaultIssuer}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign none: %v", err)
		}
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() accepted an unsigned token")
		}
	})
}

func TestClaims_CanAccessOrganization(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		org    string
		want   bool
	}{
		{"admin any org", Claims{Role: RoleAdmin, OrganizationID: "org-1"}, "org-2", true},
		{"scoped same org", Claims{Role: RoleOperator, OrganizationID: "org-1"}, "org-1", true},
		{"scoped other org", Claims{Role: RoleOperator, OrganizationID: "org-1"}, "org-2", false},
		{"unscoped", Claims{Role: RoleOperator}, "org-9", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.claims.CanAccessOrganization(tt.org); got != tt.want {
				t.Errorf("CanAccessOrganization(%q) = %v, want %v", tt.org, got, tt.want)
			}
		})
	}
}
