package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/platform/auth"
	"github.com/forgemarket/api/internal/services"
)

type stubAdjustmentService struct {
	requestFunc func(ctx context.Context, cmd services.RequestPriceAdjustmentCommand) (domain.PriceAdjustment, error)
	approveFunc func(ctx context.Context, adjustmentID, actorID string) (domain.PriceAdjustment, error)
	rejectFunc  func(ctx context.Context, adjustmentID, actorID string) (domain.PriceAdjustment, error)
}

func (s *stubAdjustmentService) RequestPriceAdjustment(ctx context.Context, cmd services.RequestPriceAdjustmentCommand) (domain.PriceAdjustment, error) {
	if s.requestFunc != nil {
		return s.requestFunc(ctx, cmd)
	}
	return domain.PriceAdjustment{}, fmt.Errorf("unexpected RequestPriceAdjustment call")
}

func (s *stubAdjustmentService) ApprovePriceAdjustment(ctx context.Context, adjustmentID string, actorID string) (domain.PriceAdjustment, error) {
	if s.approveFunc != nil {
		return s.approveFunc(ctx, adjustmentID, actorID)
	}
	return domain.PriceAdjustment{}, fmt.Errorf("unexpected ApprovePriceAdjustment call")
}

func (s *stubAdjustmentService) RejectPriceAdjustment(ctx context.Context, adjustmentID string, actorID string) (domain.PriceAdjustment, error) {
	if s.rejectFunc != nil {
		return s.rejectFunc(ctx, adjustmentID, actorID)
	}
	return domain.PriceAdjustment{}, fmt.Errorf("unexpected RejectPriceAdjustment call")
}

func testAdjustment() domain.PriceAdjustment {
	return domain.PriceAdjustment{
		ID:               "adj_1",
		OrderID:          "ord_1",
		OriginalPrice:    domain.MoneyFromDollars(150),
		AdjustedPrice:    domain.MoneyFromDollars(180),
		AdjustmentAmount: domain.MoneyFromDollars(30),
		Type:             domain.AdjustmentTypeIncrease,
		Status:           domain.AdjustmentStatusPending,
		ResponseDeadline: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func serveAdjustments(t *testing.T, handlers *AdjustmentHandlers, req *http.Request, identity *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/adjustments", handlers.Routes)
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAdjustmentHandlersRequest(t *testing.T) {
	var captured services.RequestPriceAdjustmentCommand
	svc := &stubAdjustmentService{
		requestFunc: func(ctx context.Context, cmd services.RequestPriceAdjustmentCommand) (domain.PriceAdjustment, error) {
			captured = cmd
			return testAdjustment(), nil
		},
	}
	h := NewAdjustmentHandlers(nil, svc)

	body := strings.NewReader(`{"orderId":"ord_1","adjustedPrice":180,"justification":"extra engraving work"}`)
	req := httptest.NewRequest(http.MethodPost, "/adjustments/", body)
	rec := serveAdjustments(t, h, req, &auth.Identity{UID: "user_prov", Roles: []string{auth.RoleProvider}})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.ActorID != "user_prov" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.AdjustedPrice != domain.MoneyFromDollars(180) {
		t.Fatalf("expected adjusted price in minor units, got %d", captured.AdjustedPrice)
	}
	envelope := decodeEnvelope(t, rec)
	adjustment, ok := envelope["adjustment"].(map[string]any)
	if !ok || adjustment["adjustmentType"] != "increase" || adjustment["adjustedPrice"] != 180.0 {
		t.Fatalf("unexpected adjustment payload: %v", envelope)
	}
}

func TestAdjustmentHandlersRequestRejectsNonPositivePrice(t *testing.T) {
	h := NewAdjustmentHandlers(nil, &stubAdjustmentService{})

	req := httptest.NewRequest(http.MethodPost, "/adjustments/", strings.NewReader(`{"orderId":"ord_1","adjustedPrice":-5}`))
	rec := serveAdjustments(t, h, req, &auth.Identity{UID: "user_prov"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdjustmentHandlersApprove(t *testing.T) {
	svc := &stubAdjustmentService{
		approveFunc: func(ctx context.Context, adjustmentID, actorID string) (domain.PriceAdjustment, error) {
			if adjustmentID != "adj_1" || actorID != "user_cust" {
				t.Fatalf("unexpected approve args: %q %q", adjustmentID, actorID)
			}
			a := testAdjustment()
			a.Status = domain.AdjustmentStatusApproved
			a.DifferenceCaptured = true
			return a, nil
		},
	}
	h := NewAdjustmentHandlers(nil, svc)

	req := httptest.NewRequest(http.MethodPost, "/adjustments/adj_1:approve", nil)
	rec := serveAdjustments(t, h, req, &auth.Identity{UID: "user_cust"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec)
	adjustment := envelope["adjustment"].(map[string]any)
	if adjustment["status"] != "approved" || adjustment["differenceCaptured"] != true {
		t.Fatalf("unexpected payload: %v", adjustment)
	}
}

func TestAdjustmentHandlersApproveAlreadyProcessed(t *testing.T) {
	svc := &stubAdjustmentService{
		approveFunc: func(ctx context.Context, adjustmentID, actorID string) (domain.PriceAdjustment, error) {
			return domain.PriceAdjustment{}, fmt.Errorf("%w: the adjustment was already resolved", services.ErrAdjustmentProcessed)
		},
	}
	h := NewAdjustmentHandlers(nil, svc)

	req := httptest.NewRequest(http.MethodPost, "/adjustments/adj_1:approve", nil)
	rec := serveAdjustments(t, h, req, &auth.Identity{UID: "user_cust"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	envelope := decodeEnvelope(t, rec)
	if envelope["error"] != "adjustment_processed" {
		t.Fatalf("unexpected error code: %v", envelope)
	}
}

func TestAdjustmentHandlersReject(t *testing.T) {
	svc := &stubAdjustmentService{
		rejectFunc: func(ctx context.Context, adjustmentID, actorID string) (domain.PriceAdjustment, error) {
			a := testAdjustment()
			a.Status = domain.AdjustmentStatusRejected
			return a, nil
		},
	}
	h := NewAdjustmentHandlers(nil, svc)

	req := httptest.NewRequest(http.MethodPost, "/adjustments/adj_1:reject", nil)
	rec := serveAdjustments(t, h, req, &auth.Identity{UID: "user_cust"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	envelope := decodeEnvelope(t, rec)
	adjustment := envelope["adjustment"].(map[string]any)
	if adjustment["status"] != "rejected" {
		t.Fatalf("expected rejected status, got %v", adjustment["status"])
	}
}
