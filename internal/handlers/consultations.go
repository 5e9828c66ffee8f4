package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/platform/auth"
	"github.com/forgemarket/api/internal/platform/httpx"
	"github.com/forgemarket/api/internal/services"
)

type createConsultationRequest struct {
	OrderID     string     `json:"orderId"`
	RequestedBy string     `json:"requestedBy"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	Notes       string     `json:"notes"`
}

type waiveConsultationRequest struct {
	OrderID string `json:"orderId"`
}

type handleTimeoutRequest struct {
	OrderID string `json:"orderId"`
	Type    string `json:"type"`
}

// ConsultationHandlers exposes the pre-production consultation endpoints.
type ConsultationHandlers struct {
	authn         *auth.Authenticator
	consultations services.ConsultationService
}

// NewConsultationHandlers constructs a new ConsultationHandlers instance.
func NewConsultationHandlers(authn *auth.Authenticator, consultations services.ConsultationService) *ConsultationHandlers {
	return &ConsultationHandlers{
		authn:         authn,
		consultations: consultations,
	}
}

// Routes registers the /consultations endpoints.
func (h *ConsultationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/", h.create)
	r.Post("/{consultationID}:complete", h.complete)
	r.Post("/waive", h.waive)
	r.Post("/timeout", h.handleTimeout)
}

func (h *ConsultationHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	var req createConsultationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	requestedBy := domain.ConsultationRequestedBy(strings.TrimSpace(req.RequestedBy))
	if requestedBy == "" {
		requestedBy = domain.ConsultationRequestedByCustomer
	}

	consultation, err := h.consultations.CreateConsultation(ctx, services.CreateConsultationCommand{
		OrderID:     req.OrderID,
		RequestedBy: requestedBy,
		ScheduledAt: req.ScheduledAt,
		Notes:       req.Notes,
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"consultation": consultationPayload(consultation)})
}

func (h *ConsultationHandlers) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	consultation, err := h.consultations.CompleteConsultation(ctx, chi.URLParam(r, "consultationID"))
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"consultation": consultationPayload(consultation)})
}

func (h *ConsultationHandlers) waive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req waiveConsultationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	consultation, err := h.consultations.WaiveConsultation(ctx, req.OrderID, identity.UID)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"consultation": consultationPayload(consultation)})
}

func (h *ConsultationHandlers) handleTimeout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	var req handleTimeoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	timeoutType := domain.TimeoutType(strings.TrimSpace(req.Type))
	switch timeoutType {
	case domain.TimeoutProviderResponse, domain.TimeoutPriceAdjustmentResponse, domain.TimeoutCustomerResponse:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "type must be a known timeout type", http.StatusBadRequest).
			WithDetails(map[string]any{"success": false}))
		return
	}

	result, err := h.consultations.HandleTimeout(ctx, req.OrderID, timeoutType)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"timeout": timeoutPayload(result.Timeout),
		"message": result.Message,
	}
	if result.Consultation != nil {
		payload["consultation"] = consultationPayload(*result.Consultation)
	}
	writeSuccess(w, http.StatusOK, payload)
}
