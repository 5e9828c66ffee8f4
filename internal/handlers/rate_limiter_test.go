package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgemarket/api/internal/platform/auth"
)

func TestKeyedRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter := newKeyedRateLimiter(2, time.Minute, clock)

	if !limiter.Allow("user_a") || !limiter.Allow("user_a") {
		t.Fatal("first two calls should be allowed")
	}
	if limiter.Allow("user_a") {
		t.Fatal("third call inside the window should be rejected")
	}
	if !limiter.Allow("user_b") {
		t.Fatal("separate key should have its own budget")
	}

	now = now.Add(61 * time.Second)
	if !limiter.Allow("user_a") {
		t.Fatal("window expiry should reset the budget")
	}
}

func TestKeyedRateLimiterDisabled(t *testing.T) {
	if limiter := newKeyedRateLimiter(0, time.Minute, nil); limiter != nil {
		t.Fatal("non-positive limit should disable the limiter")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	mw := RateLimitMiddleware(1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := mw(next)

	send := func(uid string) int {
		req := httptest.NewRequest(http.MethodGet, "/orders/ord_1/status", nil)
		if uid != "" {
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("user_cust"); code != http.StatusNoContent {
		t.Fatalf("first request: got %d", code)
	}
	if code := send("user_cust"); code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", code)
	}
	if code := send("user_prov"); code != http.StatusNoContent {
		t.Fatalf("different identity should pass, got %d", code)
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	mw := RateLimitMiddleware(0)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := mw(next)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
}
