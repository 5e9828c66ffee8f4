package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/payments"
)

type workflowFixture struct {
	orders        *stubOrderRepository
	consultations *stubConsultationRepository
	adjustments   *stubAdjustmentRepository
	timeouts      *stubTimeoutRepository
	timeline      *stubTimelineRepository
	gateway       *stubGateway
	events        *stubEventPublisher
	svc           OrderWorkflowService
}

func newWorkflowFixture(t *testing.T, order domain.ProductionOrder, now time.Time) *workflowFixture {
	t.Helper()
	f := &workflowFixture{
		orders:        &stubOrderRepository{order: order},
		consultations: &stubConsultationRepository{},
		adjustments:   &stubAdjustmentRepository{},
		timeouts:      &stubTimeoutRepository{},
		timeline:      &stubTimelineRepository{},
		gateway:       &stubGateway{},
		events:        &stubEventPublisher{},
	}

	escrow, err := NewEscrowService(EscrowServiceDeps{
		Orders:      f.orders,
		Timeline:    f.timeline,
		Gateway:     f.gateway,
		Clock:       fixedClock(now),
		IDGenerator: sequenceIDs("e"),
	})
	if err != nil {
		t.Fatalf("NewEscrowService error: %v", err)
	}
	consultations, err := NewConsultationService(ConsultationServiceDeps{
		Orders:        f.orders,
		Consultations: f.consultations,
		Adjustments:   f.adjustments,
		Timeouts:      f.timeouts,
		Timeline:      f.timeline,
		Clock:         fixedClock(now),
		IDGenerator:   sequenceIDs("c"),
	})
	if err != nil {
		t.Fatalf("NewConsultationService error: %v", err)
	}
	f.svc, err = NewOrderWorkflowService(WorkflowServiceDeps{
		Escrow:           escrow,
		Consultations:    consultations,
		Orders:           f.orders,
		ConsultationRepo: f.consultations,
		Adjustments:      f.adjustments,
		Timeouts:         f.timeouts,
		Timeline:         f.timeline,
		Events:           f.events,
		Clock:            fixedClock(now),
		IDGenerator:      sequenceIDs("w"),
	})
	if err != nil {
		t.Fatalf("NewOrderWorkflowService error: %v", err)
	}
	return f
}

func timedOutOrder(now time.Time) (domain.ProductionOrder, domain.Consultation) {
	order := capturedOrder(domain.MoneyFromDollars(150))
	order.Status = domain.OrderStatusPendingConsultation
	consultation := domain.Consultation{
		ID:                "csl_1",
		OrderID:           "ord_1",
		Status:            domain.ConsultationStatusTimedOut,
		TimeoutAt:         now.Add(-time.Hour),
		CustomerCanDecide: true,
	}
	return order, consultation
}

func TestWorkflowService_InitializeOrder_WithConsultation(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newWorkflowFixture(t, baseOrder(), now)

	result, err := f.svc.InitializeOrder(context.Background(), InitializeOrderCommand{
		OrderID:               "ord_1",
		Amount:                domain.MoneyFromDollars(150),
		ConsultationRequested: true,
		Notes:                 "engraving details",
	})
	if err != nil {
		t.Fatalf("InitializeOrder error: %v", err)
	}

	if result.PaymentIntentID != "pi_stub" {
		t.Fatalf("expected intent pi_stub, got %q", result.PaymentIntentID)
	}
	if result.Consultation == nil {
		t.Fatal("expected a consultation to be created")
	}
	if result.Consultation.RequestedBy != domain.ConsultationRequestedByCustomer {
		t.Fatalf("expected customer requester, got %q", result.Consultation.RequestedBy)
	}
	if f.orders.capturedCalls != 1 {
		t.Fatalf("expected escrow captured once, got %d", f.orders.capturedCalls)
	}
	if len(f.consultations.inserted) != 1 {
		t.Fatalf("expected one consultation insert, got %d", len(f.consultations.inserted))
	}
}

func TestWorkflowService_InitializeOrder_ProviderRequiredConsultation(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newWorkflowFixture(t, baseOrder(), now)

	result, err := f.svc.InitializeOrder(context.Background(), InitializeOrderCommand{
		OrderID:                      "ord_1",
		Amount:                       domain.MoneyFromDollars(150),
		ProviderRequiresConsultation: true,
	})
	if err != nil {
		t.Fatalf("InitializeOrder error: %v", err)
	}
	if result.Consultation == nil || result.Consultation.RequestedBy != domain.ConsultationRequestedByProvider {
		t.Fatalf("expected provider_required consultation, got %+v", result.Consultation)
	}
}

func TestWorkflowService_InitializeOrder_WithoutConsultation(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newWorkflowFixture(t, baseOrder(), now)

	result, err := f.svc.InitializeOrder(context.Background(), InitializeOrderCommand{
		OrderID: "ord_1",
		Amount:  domain.MoneyFromDollars(150),
	})
	if err != nil {
		t.Fatalf("InitializeOrder error: %v", err)
	}
	if result.Consultation != nil {
		t.Fatalf("expected no consultation, got %+v", result.Consultation)
	}
	if result.Order.Status != domain.OrderStatusPendingOrderReceived {
		t.Fatalf("expected pending_order_received, got %q", result.Order.Status)
	}
}

func TestWorkflowService_MarkOrderReceived_LocksPrice(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := newWorkflowFixture(t, capturedOrder(domain.MoneyFromDollars(150)), now)

	updated, err := f.svc.MarkOrderReceived(context.Background(), "ord_1", "user_prov")
	if err != nil {
		t.Fatalf("MarkOrderReceived error: %v", err)
	}

	if updated.Status != domain.OrderStatusOrderReceived {
		t.Fatalf("expected order_received, got %q", updated.Status)
	}
	if updated.PriceAdjustmentAllowed {
		t.Fatal("expected price adjustments locked after confirmation")
	}
	if f.orders.receivedCalls != 1 {
		t.Fatalf("expected one received write, got %d", f.orders.receivedCalls)
	}
}

func TestWorkflowService_MarkOrderReceived_BlockedDuringConsultation(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	order := capturedOrder(domain.MoneyFromDollars(150))
	order.Status = domain.OrderStatusPendingConsultation
	f := newWorkflowFixture(t, order, now)

	_, err := f.svc.MarkOrderReceived(context.Background(), "ord_1", "user_prov")
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestWorkflowService_GetOrderStatus_AggregatesChildren(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	order, consultation := timedOutOrder(now)
	f := newWorkflowFixture(t, order, now)
	f.consultations.consultation = consultation
	pending := pendingAdjustment(domain.AdjustmentTypeIncrease)
	f.adjustments.pending = &pending

	view, err := f.svc.GetOrderStatus(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("GetOrderStatus error: %v", err)
	}

	if view.Consultation == nil || view.Consultation.ID != "csl_1" {
		t.Fatalf("expected consultation in the view, got %+v", view.Consultation)
	}
	if view.PendingAdjustment == nil || view.PendingAdjustment.ID != "adj_1" {
		t.Fatalf("expected pending adjustment in the view, got %+v", view.PendingAdjustment)
	}
	if !view.CustomerCanDecide {
		t.Fatal("expected customer_can_decide for a timed out consultation")
	}
}

func TestWorkflowService_GetCustomerTimeoutOptions(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	order, consultation := timedOutOrder(now)
	f := newWorkflowFixture(t, order, now)
	f.consultations.consultation = consultation

	options, err := f.svc.GetCustomerTimeoutOptions(context.Background(), "ord_1", "user_cust")
	if err != nil {
		t.Fatalf("GetCustomerTimeoutOptions error: %v", err)
	}
	if !options.CanDecide {
		t.Fatalf("expected decision available, got %+v", options)
	}
	if options.OriginalPrice != domain.MoneyFromDollars(150) || options.RefundAmount != domain.MoneyFromDollars(150) {
		t.Fatalf("expected $150.00 terms, got %+v", options)
	}
}

func TestWorkflowService_GetCustomerTimeoutOptions_NoTimeout(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	order := capturedOrder(domain.MoneyFromDollars(150))
	order.Status = domain.OrderStatusPendingConsultation
	f := newWorkflowFixture(t, order, now)
	f.consultations.consultation = domain.Consultation{
		ID:      "csl_1",
		OrderID: "ord_1",
		Status:  domain.ConsultationStatusPending,
	}

	options, err := f.svc.GetCustomerTimeoutOptions(context.Background(), "ord_1", "user_cust")
	if err != nil {
		t.Fatalf("GetCustomerTimeoutOptions error: %v", err)
	}
	if options.CanDecide {
		t.Fatalf("expected no decision before a timeout, got %+v", options)
	}
	if options.Reason == "" {
		t.Fatal("expected a reason when the decision is unavailable")
	}
}

func TestWorkflowService_CustomerProceedAfterTimeout(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	order, consultation := timedOutOrder(now)
	f := newWorkflowFixture(t, order, now)
	f.consultations.consultation = consultation

	result, err := f.svc.CustomerProceedAfterTimeout(context.Background(), "ord_1", "user_cust")
	if err != nil {
		t.Fatalf("CustomerProceedAfterTimeout error: %v", err)
	}

	if !result.DecisionRecorded {
		t.Fatal("expected the decision recorded")
	}
	if result.Order.Status != domain.OrderStatusPendingOrderReceived {
		t.Fatalf("expected pending_order_received, got %q", result.Order.Status)
	}
	if f.gateway.refundCalls != 0 {
		t.Fatalf("expected no refund on proceed, got %d", f.gateway.refundCalls)
	}
}

func TestWorkflowService_CustomerCancelAfterTimeout_RefundsInFull(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	order, consultation := timedOutOrder(now)
	f := newWorkflowFixture(t, order, now)
	f.consultations.consultation = consultation

	result, err := f.svc.CustomerCancelAfterTimeout(context.Background(), "ord_1", "user_cust")
	if err != nil {
		t.Fatalf("CustomerCancelAfterTimeout error: %v", err)
	}

	if !result.DecisionRecorded || !result.RefundCompleted {
		t.Fatalf("expected decision and refund recorded, got %+v", result)
	}
	if result.RefundAmount != domain.MoneyFromDollars(150) {
		t.Fatalf("expected full $150.00 refund, got %s", result.RefundAmount.Format())
	}
	if result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %q", result.Order.Status)
	}
	if f.gateway.refundCalls != 1 {
		t.Fatalf("expected one refund call, got %d", f.gateway.refundCalls)
	}
}

func TestWorkflowService_CustomerCancelAfterTimeout_RefundFailureSurfacesDecision(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	order, consultation := timedOutOrder(now)
	f := newWorkflowFixture(t, order, now)
	f.consultations.consultation = consultation
	f.gateway.refundFunc = func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{}, errors.New("processor unavailable")
	}

	result, err := f.svc.CustomerCancelAfterTimeout(context.Background(), "ord_1", "user_cust")
	if !errors.Is(err, ErrGatewayFailed) {
		t.Fatalf("expected ErrGatewayFailed, got %v", err)
	}
	if !result.DecisionRecorded {
		t.Fatal("expected the decision still recorded when the refund fails")
	}
	if result.RefundCompleted {
		t.Fatal("expected refund_completed false after a processor failure")
	}
}

func TestWorkflowService_CustomerDecision_RejectedForWrongCustomer(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	order, consultation := timedOutOrder(now)
	f := newWorkflowFixture(t, order, now)
	f.consultations.consultation = consultation

	_, err := f.svc.CustomerCancelAfterTimeout(context.Background(), "ord_1", "user_other")
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if f.gateway.refundCalls != 0 {
		t.Fatalf("expected no refund for a non-owner, got %d", f.gateway.refundCalls)
	}
}

func TestWorkflowService_OrderTimeline(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	f := newWorkflowFixture(t, capturedOrder(domain.MoneyFromDollars(150)), now)
	f.timeline.events = []domain.TimelineEvent{
		{ID: "tev_1", OrderID: "ord_1", Type: "escrow.payment.created"},
		{ID: "tev_2", OrderID: "ord_1", Type: "order.received"},
	}

	events, err := f.svc.OrderTimeline(context.Background(), "ord_1", 50)
	if err != nil {
		t.Fatalf("OrderTimeline error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
