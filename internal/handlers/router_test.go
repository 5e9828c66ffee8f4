package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNewRouterNotFoundEnvelope(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	envelope := decodeEnvelope(t, rec)
	if envelope["success"] != false || envelope["error"] != "route_not_found" {
		t.Fatalf("unexpected envelope: %v", envelope)
	}
}

func TestNewRouterUnmountedGroupReturnsNotImplemented(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestNewRouterMountsOrderRoutes(t *testing.T) {
	router := NewRouter(WithOrderRoutes(func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
			writeSuccess(w, http.StatusOK, map[string]any{"pong": true})
		})
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec)
	if envelope["success"] != true || envelope["pong"] != true {
		t.Fatalf("unexpected envelope: %v", envelope)
	}
}

func TestNewRouterBasePathOverride(t *testing.T) {
	router := NewRouter(
		WithBasePath("/v2"),
		WithConsultationRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/v2/consultations/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestNewRouterHealthEndpoints(t *testing.T) {
	failing := checkerFunc(func(ctx context.Context) error { return fmt.Errorf("connection refused") })
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(map[string]ReadinessChecker{
		"database": failing,
	})))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 with failing checker, got %d", rec.Code)
	}
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) Ping(ctx context.Context) error { return f(ctx) }
