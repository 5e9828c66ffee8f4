package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/platform/auth"
	"github.com/forgemarket/api/internal/platform/httpx"
	"github.com/forgemarket/api/internal/services"
)

type requestAdjustmentRequest struct {
	OrderID       string  `json:"orderId"`
	AdjustedPrice float64 `json:"adjustedPrice"`
	Justification string  `json:"justification"`
}

// AdjustmentHandlers exposes the one-time price renegotiation endpoints.
type AdjustmentHandlers struct {
	authn       *auth.Authenticator
	adjustments services.AdjustmentService
	limiter     rateLimiter
}

// NewAdjustmentHandlers constructs a new AdjustmentHandlers instance.
func NewAdjustmentHandlers(authn *auth.Authenticator, adjustments services.AdjustmentService, opts ...AdjustmentHandlersOption) *AdjustmentHandlers {
	h := &AdjustmentHandlers{
		authn:       authn,
		adjustments: adjustments,
		limiter:     newKeyedRateLimiter(20, time.Minute, nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AdjustmentHandlersOption configures optional handler behaviour.
type AdjustmentHandlersOption func(*AdjustmentHandlers)

// WithAdjustmentRateLimit overrides the per-minute mutation rate limit.
func WithAdjustmentRateLimit(perMinute int) AdjustmentHandlersOption {
	return func(h *AdjustmentHandlers) {
		if perMinute > 0 {
			h.limiter = newKeyedRateLimiter(perMinute, time.Minute, nil)
		}
	}
}

// Routes registers the /adjustments endpoints.
func (h *AdjustmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/", h.request)
	r.Post("/{adjustmentID}:approve", h.approve)
	r.Post("/{adjustmentID}:reject", h.reject)
}

func (h *AdjustmentHandlers) allow(w http.ResponseWriter, r *http.Request, identity *auth.Identity) bool {
	if h.limiter == nil || h.limiter.Allow(identity.UID) {
		return true
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).
		WithDetails(map[string]any{"success": false}))
	return false
}

func (h *AdjustmentHandlers) request(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r, identity) {
		return
	}

	var req requestAdjustmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AdjustedPrice <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "adjustedPrice must be a positive decimal", http.StatusBadRequest).
			WithDetails(map[string]any{"success": false}))
		return
	}

	adjustment, err := h.adjustments.RequestPriceAdjustment(ctx, services.RequestPriceAdjustmentCommand{
		OrderID:       req.OrderID,
		AdjustedPrice: domain.MoneyFromDollars(req.AdjustedPrice),
		Justification: req.Justification,
		ActorID:       identity.UID,
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"adjustment": adjustmentPayload(adjustment)})
}

func (h *AdjustmentHandlers) approve(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.adjustments.ApprovePriceAdjustment)
}

func (h *AdjustmentHandlers) reject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.adjustments.RejectPriceAdjustment)
}

func (h *AdjustmentHandlers) resolve(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, adjustmentID, actorID string) (domain.PriceAdjustment, error)) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r, identity) {
		return
	}

	adjustment, err := fn(ctx, chi.URLParam(r, "adjustmentID"), identity.UID)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"adjustment": adjustmentPayload(adjustment)})
}
