package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/platform/auth"
	"github.com/forgemarket/api/internal/platform/httpx"
	"github.com/forgemarket/api/internal/services"
)

const (
	maxOrderBodySize        = 16 * 1024
	defaultTimelinePageSize = 50
	maxTimelinePageSize     = 200
)

type initializeOrderRequest struct {
	Amount                       float64           `json:"amount"`
	Description                  string            `json:"description"`
	ConsultationRequested        bool              `json:"consultationRequested"`
	ProviderRequiresConsultation bool              `json:"providerRequiresConsultation"`
	ScheduledAt                  *time.Time        `json:"scheduledAt"`
	Notes                        string            `json:"notes"`
	Metadata                     map[string]string `json:"metadata"`
}

type refundEscrowRequest struct {
	Reason string   `json:"reason"`
	Amount *float64 `json:"amount"`
}

// OrderHandlers exposes the escrow workflow endpoints for a single order.
type OrderHandlers struct {
	authn    *auth.Authenticator
	workflow services.OrderWorkflowService
	escrow   services.EscrowService
	limiter  rateLimiter
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, workflow services.OrderWorkflowService, escrow services.EscrowService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		workflow: workflow,
		escrow:   escrow,
		limiter:  newKeyedRateLimiter(30, time.Minute, nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OrderHandlersOption configures optional handler behaviour.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderRateLimit overrides the per-minute mutation rate limit.
func WithOrderRateLimit(perMinute int) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if perMinute > 0 {
			h.limiter = newKeyedRateLimiter(perMinute, time.Minute, nil)
		}
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/{orderID}/escrow", h.initializeOrder)
	r.Get("/{orderID}/status", h.getStatus)
	r.Get("/{orderID}/timeline", h.getTimeline)
	r.Get("/{orderID}/timeout-options", h.getTimeoutOptions)
	r.Post("/{orderID}:received", h.markReceived)
	r.Post("/{orderID}:release", h.releaseEscrow)
	r.Post("/{orderID}:refund", h.refundEscrow)
	r.Post("/{orderID}:proceed", h.customerProceed)
	r.Post("/{orderID}:cancel", h.customerCancel)
}

func (h *OrderHandlers) allowMutation(w http.ResponseWriter, r *http.Request, identity *auth.Identity) bool {
	if h.limiter == nil {
		return true
	}
	key := ""
	if identity != nil {
		key = identity.UID
	}
	if h.limiter.Allow(key) {
		return true
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).
		WithDetails(map[string]any{"success": false}))
	return false
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized).
			WithDetails(map[string]any{"success": false}))
		return nil, false
	}
	return identity, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body is not valid JSON", http.StatusBadRequest).
			WithDetails(map[string]any{"success": false}))
		return false
	}
	return true
}

func (h *OrderHandlers) initializeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, r, identity) {
		return
	}

	var req initializeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be a positive decimal", http.StatusBadRequest).
			WithDetails(map[string]any{"success": false}))
		return
	}

	result, err := h.workflow.InitializeOrder(ctx, services.InitializeOrderCommand{
		OrderID:                      chi.URLParam(r, "orderID"),
		Amount:                       domain.MoneyFromDollars(req.Amount),
		Description:                  req.Description,
		ConsultationRequested:        req.ConsultationRequested,
		ProviderRequiresConsultation: req.ProviderRequiresConsultation,
		ScheduledAt:                  req.ScheduledAt,
		Notes:                        req.Notes,
		Metadata:                     req.Metadata,
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"order":           orderPayload(result.Order),
		"paymentIntentId": result.PaymentIntentID,
		"clientSecret":    result.ClientSecret,
	}
	if result.Consultation != nil {
		payload["consultation"] = consultationPayload(*result.Consultation)
	}
	writeSuccess(w, http.StatusCreated, payload)
}

func (h *OrderHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	view, err := h.workflow.GetOrderStatus(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"order":             orderPayload(view.Order),
		"customerCanDecide": view.CustomerCanDecide,
	}
	if view.Consultation != nil {
		payload["consultation"] = consultationPayload(*view.Consultation)
	}
	if view.PendingAdjustment != nil {
		payload["pendingAdjustment"] = adjustmentPayload(*view.PendingAdjustment)
	}
	if len(view.Timeouts) > 0 {
		timeouts := make([]map[string]any, 0, len(view.Timeouts))
		for _, timeout := range view.Timeouts {
			timeouts = append(timeouts, timeoutPayload(timeout))
		}
		payload["timeouts"] = timeouts
	}
	writeSuccess(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	limit := defaultTimelinePageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest).
				WithDetails(map[string]any{"success": false}))
			return
		}
		switch {
		case parsed <= 0:
			limit = defaultTimelinePageSize
		case parsed > maxTimelinePageSize:
			limit = maxTimelinePageSize
		default:
			limit = parsed
		}
	}

	events, err := h.workflow.OrderTimeline(ctx, chi.URLParam(r, "orderID"), limit)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"timeline": timelinePayload(events)})
}

func (h *OrderHandlers) getTimeoutOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	options, err := h.workflow.GetCustomerTimeoutOptions(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"canDecide": options.CanDecide,
	}
	if options.CanDecide {
		payload["originalPrice"] = options.OriginalPrice.Dollars()
		payload["refundAmount"] = options.RefundAmount.Dollars()
		payload["deadline"] = formatTimePtr(options.Deadline)
	} else {
		payload["reason"] = options.Reason
	}
	writeSuccess(w, http.StatusOK, payload)
}

func (h *OrderHandlers) markReceived(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, r, identity) {
		return
	}

	order, err := h.workflow.MarkOrderReceived(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"order": orderPayload(order)})
}

func (h *OrderHandlers) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !identity.HasAnyRole(auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "escrow release requires the admin role", http.StatusForbidden).
			WithDetails(map[string]any{"success": false}))
		return
	}
	if !h.allowMutation(w, r, identity) {
		return
	}

	result, err := h.escrow.ReleaseEscrowFunds(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"order":          orderPayload(result.Order),
		"platformFee":    result.PlatformFee.Dollars(),
		"providerAmount": result.ProviderAmount.Dollars(),
	})
}

func (h *OrderHandlers) refundEscrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, r, identity) {
		return
	}

	var req refundEscrowRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmd := services.RefundEscrowCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: identity.UID,
	}
	if req.Amount != nil {
		amount := domain.MoneyFromDollars(*req.Amount)
		cmd.Amount = &amount
	}

	result, err := h.escrow.RefundEscrow(ctx, cmd)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"order":        orderPayload(result.Order),
		"refundAmount": result.RefundAmount.Dollars(),
	})
}

func (h *OrderHandlers) customerProceed(w http.ResponseWriter, r *http.Request) {
	h.customerDecision(w, r, h.workflow.CustomerProceedAfterTimeout)
}

func (h *OrderHandlers) customerCancel(w http.ResponseWriter, r *http.Request) {
	h.customerDecision(w, r, h.workflow.CustomerCancelAfterTimeout)
}

func (h *OrderHandlers) customerDecision(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, orderID, customerID string) (services.DecisionResult, error)) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, r, identity) {
		return
	}

	result, err := decide(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		if errors.Is(err, services.ErrGatewayFailed) && result.DecisionRecorded {
			httpx.WriteError(ctx, w, httpx.NewError("refund_pending", result.Message, http.StatusBadGateway).
				WithDetails(map[string]any{"success": false, "decisionRecorded": true}))
			return
		}
		writeWorkflowError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"order":            orderPayload(result.Order),
		"message":          result.Message,
		"decisionRecorded": result.DecisionRecorded,
	}
	if result.RefundCompleted {
		payload["refundAmount"] = result.RefundAmount.Dollars()
	}
	writeSuccess(w, http.StatusOK, payload)
}
