package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/platform/httpx"
	"github.com/forgemarket/api/internal/repositories"
	"github.com/forgemarket/api/internal/services"
)

// writeSuccess renders the uniform envelope consumers expect: success plus the
// payload fields merged at the top level.
func writeSuccess(w http.ResponseWriter, status int, payload map[string]any) {
	body := make(map[string]any, len(payload)+1)
	body["success"] = true
	for k, v := range payload {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeWorkflowError maps service sentinels onto HTTP statuses inside the
// same envelope, with success pinned to false.
func writeWorkflowError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	code := "internal_error"
	message := "an unexpected error occurred"
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, services.ErrInvalidInput):
		code, message, status = "invalid_request", err.Error(), http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		code, message, status = "not_found", "the requested resource was not found", http.StatusNotFound
	case errors.Is(err, services.ErrEscrowReleased):
		code, message, status = "escrow_released", err.Error(), http.StatusConflict
	case errors.Is(err, services.ErrAdjustmentProcessed):
		code, message, status = "adjustment_processed", err.Error(), http.StatusConflict
	case errors.Is(err, services.ErrConflict):
		code, message, status = "conflict", err.Error(), http.StatusConflict
	case errors.Is(err, services.ErrNotAllowed):
		code, message, status = "not_allowed", err.Error(), http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrGatewayFailed):
		code, message, status = "gateway_error", err.Error(), http.StatusBadGateway
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			code, message, status = "store_unavailable", "persistence layer unavailable", http.StatusServiceUnavailable
		}
	}

	httpx.WriteError(ctx, w, httpx.NewError(code, message, status).
		WithDetails(map[string]any{"success": false}))
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func orderPayload(order domain.ProductionOrder) map[string]any {
	return map[string]any{
		"id":                       order.ID,
		"customerId":               order.CustomerID,
		"providerId":               order.ProviderID,
		"serviceId":                order.ServiceID,
		"status":                   string(order.Status),
		"escrowAmount":             order.EscrowAmount.Dollars(),
		"finalPrice":               order.FinalPrice.Dollars(),
		"paymentIntentId":          order.PaymentIntentID,
		"escrowCapturedAt":         formatTimePtr(order.EscrowCapturedAt),
		"escrowReleasedAt":         formatTimePtr(order.EscrowReleasedAt),
		"consultationRequested":    order.ConsultationRequested,
		"consultationWaived":       order.ConsultationWaived,
		"providerResponseDeadline": formatTimePtr(order.ProviderResponseDeadline),
		"customerResponseDeadline": formatTimePtr(order.CustomerResponseDeadline),
		"priceAdjustmentAllowed":   order.PriceAdjustmentAllowed,
		"priceAdjustmentUsed":      order.PriceAdjustmentUsed,
		"orderReceivedAt":          formatTimePtr(order.OrderReceivedAt),
		"cancellationReason":       order.CancellationReason,
	}
}

func consultationPayload(c domain.Consultation) map[string]any {
	return map[string]any{
		"id":                c.ID,
		"orderId":           c.OrderID,
		"status":            string(c.Status),
		"requestedBy":       string(c.RequestedBy),
		"scheduledAt":       formatTimePtr(c.ScheduledAt),
		"notes":             c.Notes,
		"timeoutAt":         c.TimeoutAt.UTC().Format(time.RFC3339Nano),
		"completedAt":       formatTimePtr(c.CompletedAt),
		"waivedBy":          c.WaivedBy,
		"customerCanDecide": c.CustomerCanDecide,
	}
}

func adjustmentPayload(a domain.PriceAdjustment) map[string]any {
	return map[string]any{
		"id":                 a.ID,
		"orderId":            a.OrderID,
		"originalPrice":      a.OriginalPrice.Dollars(),
		"adjustedPrice":      a.AdjustedPrice.Dollars(),
		"adjustmentAmount":   a.AdjustmentAmount.Dollars(),
		"adjustmentType":     string(a.Type),
		"justification":      a.Justification,
		"status":             string(a.Status),
		"responseDeadline":   a.ResponseDeadline.UTC().Format(time.RFC3339Nano),
		"differenceCaptured": a.DifferenceCaptured,
		"resolvedAt":         formatTimePtr(a.ResolvedAt),
	}
}

func timeoutPayload(t domain.ConsultationTimeout) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"orderId":     t.OrderID,
		"type":        string(t.Type),
		"actionTaken": t.ActionTaken,
		"deadlineAt":  t.DeadlineAt.UTC().Format(time.RFC3339Nano),
		"expiredAt":   formatTimePtr(t.ExpiredAt),
	}
}

func timelinePayload(events []domain.TimelineEvent) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, event := range events {
		out = append(out, map[string]any{
			"id":          event.ID,
			"orderId":     event.OrderID,
			"type":        event.Type,
			"description": event.Description,
			"metadata":    event.Metadata,
			"createdAt":   event.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func walletPayload(txs []domain.WalletTransaction) []map[string]any {
	out := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		out = append(out, map[string]any{
			"id":        tx.ID,
			"userId":    tx.UserID,
			"orderId":   tx.OrderID,
			"amount":    tx.Amount.Dollars(),
			"type":      string(tx.Type),
			"status":    tx.Status,
			"reference": tx.Reference,
			"createdAt": tx.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
