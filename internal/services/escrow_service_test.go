package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/payments"
)

func baseOrder() domain.ProductionOrder {
	return domain.ProductionOrder{
		ID:                     "ord_1",
		CustomerID:             "user_cust",
		ProviderID:             "user_prov",
		ProviderAccountID:      "acct_prov",
		ServiceID:              "svc_1",
		Status:                 domain.OrderStatusPendingOrderReceived,
		PriceAdjustmentAllowed: true,
	}
}

func capturedOrder(amount domain.Money) domain.ProductionOrder {
	order := baseOrder()
	intent := "pi_123"
	captured := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	order.PaymentIntentID = &intent
	order.EscrowCapturedAt = &captured
	order.EscrowAmount = amount
	order.FinalPrice = amount
	return order
}

func newEscrowService(t *testing.T, orders *stubOrderRepository, wallets *stubWalletRepository, timeline *stubTimelineRepository, gateway *stubGateway, events *stubEventPublisher, now time.Time) EscrowService {
	t.Helper()
	deps := EscrowServiceDeps{
		Orders:      orders,
		Wallets:     wallets,
		Timeline:    timeline,
		Gateway:     gateway,
		Clock:       fixedClock(now),
		IDGenerator: sequenceIDs("id"),
	}
	// Assign only a live publisher: a nil *stubEventPublisher stored in the
	// interface field would defeat the publisher-not-configured check.
	if events != nil {
		deps.Events = events
	}
	svc, err := NewEscrowService(deps)
	if err != nil {
		t.Fatalf("NewEscrowService error: %v", err)
	}
	return svc
}

func TestEscrowService_CreateEscrowPayment_Success(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{order: baseOrder()}
	timeline := &stubTimelineRepository{}
	gateway := &stubGateway{}
	events := &stubEventPublisher{}
	svc := newEscrowService(t, orders, nil, timeline, gateway, events, now)

	result, err := svc.CreateEscrowPayment(context.Background(), CreateEscrowPaymentCommand{
		OrderID: "ord_1",
		Amount:  domain.MoneyFromDollars(200),
	})
	if err != nil {
		t.Fatalf("CreateEscrowPayment error: %v", err)
	}

	if result.PaymentIntentID != "pi_stub" {
		t.Fatalf("expected intent pi_stub, got %q", result.PaymentIntentID)
	}
	if result.Order.Status != domain.OrderStatusPendingOrderReceived {
		t.Fatalf("expected status pending_order_received, got %q", result.Order.Status)
	}
	if gateway.lastCreate.Amount != 20000 {
		t.Fatalf("expected 20000 minor units sent to gateway, got %d", gateway.lastCreate.Amount)
	}
	if gateway.lastCreate.IdempotencyKey == "" {
		t.Fatal("expected an idempotency key on the gateway call")
	}
	if orders.capturedCalls != 1 {
		t.Fatalf("expected one capture write, got %d", orders.capturedCalls)
	}
	if len(timeline.events) != 1 {
		t.Fatalf("expected one timeline event, got %d", len(timeline.events))
	}
	if len(events.events) != 1 || events.events[0].Type != "escrow.payment.created" {
		t.Fatalf("expected escrow.payment.created event, got %+v", events.events)
	}
}

func TestEscrowService_CreateEscrowPayment_ConsultationGate(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{order: baseOrder()}
	svc := newEscrowService(t, orders, nil, &stubTimelineRepository{}, &stubGateway{}, nil, now)

	result, err := svc.CreateEscrowPayment(context.Background(), CreateEscrowPaymentCommand{
		OrderID:               "ord_1",
		Amount:                domain.MoneyFromDollars(120),
		ConsultationRequested: true,
	})
	if err != nil {
		t.Fatalf("CreateEscrowPayment error: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPendingConsultation {
		t.Fatalf("expected status pending_consultation, got %q", result.Order.Status)
	}
}

func TestEscrowService_CreateEscrowPayment_GatewayFailureLeavesOrderUntouched(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{order: baseOrder()}
	gateway := &stubGateway{
		createFunc: func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.EscrowPaymentRequest) (payments.EscrowPayment, error) {
			return payments.EscrowPayment{}, errors.New("card declined")
		},
	}
	svc := newEscrowService(t, orders, nil, &stubTimelineRepository{}, gateway, nil, now)

	_, err := svc.CreateEscrowPayment(context.Background(), CreateEscrowPaymentCommand{
		OrderID: "ord_1",
		Amount:  domain.MoneyFromDollars(200),
	})
	if !errors.Is(err, ErrGatewayFailed) {
		t.Fatalf("expected ErrGatewayFailed, got %v", err)
	}
	if orders.capturedCalls != 0 {
		t.Fatalf("expected no capture write after gateway failure, got %d", orders.capturedCalls)
	}
}

func TestEscrowService_CreateEscrowPayment_AlreadyCaptured(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{order: capturedOrder(domain.MoneyFromDollars(200))}
	gateway := &stubGateway{}
	svc := newEscrowService(t, orders, nil, &stubTimelineRepository{}, gateway, nil, now)

	_, err := svc.CreateEscrowPayment(context.Background(), CreateEscrowPaymentCommand{
		OrderID: "ord_1",
		Amount:  domain.MoneyFromDollars(200),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if gateway.createCalls != 0 {
		t.Fatalf("expected no gateway call, got %d", gateway.createCalls)
	}
}

func TestEscrowService_ReleaseEscrowFunds_SplitsFeeAndCreditsWallet(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	order := capturedOrder(domain.MoneyFromDollars(200))
	order.Status = domain.OrderStatusCompleted
	orders := &stubOrderRepository{order: order}
	wallets := &stubWalletRepository{}
	timeline := &stubTimelineRepository{}
	gateway := &stubGateway{}
	svc := newEscrowService(t, orders, wallets, timeline, gateway, nil, now)

	result, err := svc.ReleaseEscrowFunds(context.Background(), "ord_1", "admin_1")
	if err != nil {
		t.Fatalf("ReleaseEscrowFunds error: %v", err)
	}

	if result.PlatformFee != domain.MoneyFromDollars(30) {
		t.Fatalf("expected $30.00 fee, got %s", result.PlatformFee.Format())
	}
	if result.ProviderAmount != domain.MoneyFromDollars(170) {
		t.Fatalf("expected $170.00 provider amount, got %s", result.ProviderAmount.Format())
	}
	if gateway.lastRelease.Amount != 17000 {
		t.Fatalf("expected 17000 minor units transferred, got %d", gateway.lastRelease.Amount)
	}
	if gateway.lastRelease.ProviderAccountID != "acct_prov" {
		t.Fatalf("expected transfer to acct_prov, got %q", gateway.lastRelease.ProviderAccountID)
	}
	if len(wallets.inserted) != 1 {
		t.Fatalf("expected one wallet credit, got %d", len(wallets.inserted))
	}
	credit := wallets.inserted[0]
	if credit.Amount != domain.MoneyFromDollars(170) || credit.Type != domain.WalletCredit || credit.UserID != "user_prov" {
		t.Fatalf("unexpected wallet credit: %+v", credit)
	}
	if result.Order.EscrowReleasedAt == nil {
		t.Fatal("expected escrow_released_at to be stamped")
	}
}

func TestEscrowService_ReleaseEscrowFunds_AlreadyReleased(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	order := capturedOrder(domain.MoneyFromDollars(200))
	released := now.Add(-time.Hour)
	order.EscrowReleasedAt = &released
	orders := &stubOrderRepository{order: order}
	gateway := &stubGateway{}
	svc := newEscrowService(t, orders, nil, &stubTimelineRepository{}, gateway, nil, now)

	_, err := svc.ReleaseEscrowFunds(context.Background(), "ord_1", "admin_1")
	if !errors.Is(err, ErrEscrowReleased) {
		t.Fatalf("expected ErrEscrowReleased, got %v", err)
	}
	if gateway.releaseCalls != 0 {
		t.Fatalf("expected no transfer for an already released escrow, got %d", gateway.releaseCalls)
	}
}

func TestEscrowService_ReleaseEscrowFunds_GatewayFailure(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{order: capturedOrder(domain.MoneyFromDollars(200))}
	gateway := &stubGateway{
		releaseFunc: func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ReleaseRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{}, errors.New("transfer rejected")
		},
	}
	svc := newEscrowService(t, orders, &stubWalletRepository{}, &stubTimelineRepository{}, gateway, nil, now)

	_, err := svc.ReleaseEscrowFunds(context.Background(), "ord_1", "admin_1")
	if !errors.Is(err, ErrGatewayFailed) {
		t.Fatalf("expected ErrGatewayFailed, got %v", err)
	}
	if orders.releasedCalls != 0 {
		t.Fatalf("expected no release write after gateway failure, got %d", orders.releasedCalls)
	}
}

func TestEscrowService_RefundEscrow_CancelsAndRefundsFinalPrice(t *testing.T) {
	now := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	order := capturedOrder(domain.MoneyFromDollars(250))
	orders := &stubOrderRepository{order: order}
	timeline := &stubTimelineRepository{}
	gateway := &stubGateway{}
	events := &stubEventPublisher{}
	svc := newEscrowService(t, orders, nil, timeline, gateway, events, now)

	result, err := svc.RefundEscrow(context.Background(), RefundEscrowCommand{
		OrderID: "ord_1",
		Reason:  "customer_request",
		ActorID: "user_cust",
	})
	if err != nil {
		t.Fatalf("RefundEscrow error: %v", err)
	}

	if result.RefundAmount != domain.MoneyFromDollars(250) {
		t.Fatalf("expected $250.00 refund, got %s", result.RefundAmount.Format())
	}
	if result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %q", result.Order.Status)
	}
	if gateway.lastRefund.IntentID != "pi_123" {
		t.Fatalf("expected refund against pi_123, got %q", gateway.lastRefund.IntentID)
	}
	if gateway.lastRefund.Amount == nil || *gateway.lastRefund.Amount != 25000 {
		t.Fatalf("expected 25000 minor units refunded, got %+v", gateway.lastRefund.Amount)
	}
	if orders.cancelledCalls != 1 {
		t.Fatalf("expected one cancellation write, got %d", orders.cancelledCalls)
	}
}

func TestEscrowService_RefundEscrow_BeforeCaptureCancelsWithoutCharge(t *testing.T) {
	now := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	order := baseOrder()
	order.EscrowAmount = domain.MoneyFromDollars(90)
	orders := &stubOrderRepository{order: order}
	gateway := &stubGateway{}
	svc := newEscrowService(t, orders, nil, &stubTimelineRepository{}, gateway, nil, now)

	result, err := svc.RefundEscrow(context.Background(), RefundEscrowCommand{
		OrderID: "ord_1",
		Reason:  "customer_request",
	})
	if err != nil {
		t.Fatalf("RefundEscrow error: %v", err)
	}

	if result.RefundAmount != 0 {
		t.Fatalf("expected a zero refund before capture, got %s", result.RefundAmount.Format())
	}
	if result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %q", result.Order.Status)
	}
	if gateway.refundCalls != 0 {
		t.Fatalf("expected no processor call before capture, got %d", gateway.refundCalls)
	}
	if orders.cancelledCalls != 1 {
		t.Fatalf("expected one cancellation write, got %d", orders.cancelledCalls)
	}
}

func TestEscrowService_RefundEscrow_RefusedAfterRelease(t *testing.T) {
	now := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	order := capturedOrder(domain.MoneyFromDollars(250))
	released := now.Add(-time.Hour)
	order.EscrowReleasedAt = &released
	orders := &stubOrderRepository{order: order}
	gateway := &stubGateway{}
	svc := newEscrowService(t, orders, nil, &stubTimelineRepository{}, gateway, nil, now)

	_, err := svc.RefundEscrow(context.Background(), RefundEscrowCommand{OrderID: "ord_1", Reason: "late"})
	if !errors.Is(err, ErrEscrowReleased) {
		t.Fatalf("expected ErrEscrowReleased, got %v", err)
	}
	if gateway.refundCalls != 0 {
		t.Fatalf("expected no refund call, got %d", gateway.refundCalls)
	}
}

func TestEscrowService_RefundEscrow_GatewayFailureKeepsOrderActive(t *testing.T) {
	now := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{order: capturedOrder(domain.MoneyFromDollars(250))}
	gateway := &stubGateway{
		refundFunc: func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{}, errors.New("refund rejected")
		},
	}
	svc := newEscrowService(t, orders, nil, &stubTimelineRepository{}, gateway, nil, now)

	_, err := svc.RefundEscrow(context.Background(), RefundEscrowCommand{OrderID: "ord_1", Reason: "oops"})
	if !errors.Is(err, ErrGatewayFailed) {
		t.Fatalf("expected ErrGatewayFailed, got %v", err)
	}
	if orders.cancelledCalls != 0 {
		t.Fatalf("expected no cancellation write after gateway failure, got %d", orders.cancelledCalls)
	}
}
