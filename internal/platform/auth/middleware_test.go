package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthenticatorVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authn, err := NewAuthenticator(testSecret, WithIssuer("forgemarket"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	raw := signToken(t, Claims{
		Email: "pat@example.com",
		Roles: []string{"Provider"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_123",
			Issuer:    "forgemarket",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})

	identity, err := authn.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UID != "user_123" {
		t.Fatalf("expected uid user_123, got %q", identity.UID)
	}
	if !identity.HasRole(RoleProvider) {
		t.Fatalf("expected provider role, got %v", identity.Roles)
	}
}

func TestAuthenticatorVerifyExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authn, err := NewAuthenticator(testSecret, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	raw := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_123",
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	})

	if _, err := authn.Verify(raw); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthenticatorVerifyLeewayToleratesSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authn, err := NewAuthenticator(testSecret,
		WithLeeway(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	raw := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_123",
			ExpiresAt: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			NotBefore: jwt.NewNumericDate(now.Add(30 * time.Second)),
		},
	})

	identity, err := authn.Verify(raw)
	if err != nil {
		t.Fatalf("Verify with leeway: %v", err)
	}
	if identity.UID != "user_123" {
		t.Fatalf("expected uid user_123, got %q", identity.UID)
	}
}

func TestAuthenticatorVerifyWrongAudience(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authn, err := NewAuthenticator(testSecret, WithAudience("forgemarket-api"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	raw := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_123",
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	if _, err := authn.Verify(raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestAuthenticatorVerifyWrongIssuer(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authn, err := NewAuthenticator(testSecret, WithIssuer("forgemarket"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	raw := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_123",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	if _, err := authn.Verify(raw); err == nil {
		t.Fatal("expected an error for a mismatched issuer")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authn, err := NewAuthenticator(testSecret, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	var captured *Identity
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		raw := signToken(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user_123",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if captured == nil || captured.UID != "user_123" {
			t.Fatalf("expected identity in context, got %+v", captured)
		}
	})
}

func TestRequireRoleMiddleware(t *testing.T) {
	handler := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{UID: "user_1", Roles: []string{RoleCustomer}}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing role, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{UID: "user_1", Roles: []string{RoleAdmin}}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for admin, got %d", rec.Code)
	}
}
