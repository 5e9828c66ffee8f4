package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

// ReadinessChecker reports whether a dependency is reachable.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	startedAt time.Time
	checkers  map[string]ReadinessChecker
}

// NewHealthHandlers constructs the probe handlers over named dependency checkers.
func NewHealthHandlers(checkers map[string]ReadinessChecker) *HealthHandlers {
	return &HealthHandlers{
		startedAt: time.Now(),
		checkers:  checkers,
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz reports whether every registered dependency responds.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.checkers))
	status := http.StatusOK
	for name, checker := range h.checkers {
		if checker == nil {
			continue
		}
		if err := checker.Ping(ctx); err != nil {
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeHealthJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

func writeHealthJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
