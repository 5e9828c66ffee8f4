package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/payments"
	"github.com/forgemarket/api/internal/platform/textutil"
	"github.com/forgemarket/api/internal/repositories"
)

const (
	eventEscrowCreated  = "escrow.payment.created"
	eventEscrowReleased = "escrow.released"
	eventEscrowRefunded = "escrow.refunded"
)

// EscrowServiceDeps bundles collaborators required to construct the escrow service.
type EscrowServiceDeps struct {
	Orders   repositories.OrderRepository
	Wallets  repositories.WalletRepository
	Timeline repositories.TimelineRepository
	Gateway  PaymentGateway
	Currency string

	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type escrowService struct {
	workflowCore
	orders   repositories.OrderRepository
	wallets  repositories.WalletRepository
	gateway  PaymentGateway
	currency string
}

// NewEscrowService wires dependencies into a concrete EscrowService implementation.
func NewEscrowService(deps EscrowServiceDeps) (EscrowService, error) {
	if deps.Orders == nil {
		return nil, fmt.Errorf("escrow service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("escrow service: payment gateway is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &escrowService{
		workflowCore: newWorkflowCore(deps.UnitOfWork, deps.Timeline, deps.Events, deps.Clock, deps.IDGenerator, deps.Logger),
		orders:       deps.Orders,
		wallets:      deps.Wallets,
		gateway:      deps.Gateway,
		currency:     currency,
	}, nil
}

// CreateEscrowPayment holds the order amount with the processor and records the
// capture locally. The gateway call happens first; a failed call leaves the
// order row untouched and the operation may be re-invoked with the same
// idempotency key.
func (s *escrowService) CreateEscrowPayment(ctx context.Context, cmd CreateEscrowPaymentCommand) (EscrowPaymentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return EscrowPaymentResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.Amount <= 0 {
		return EscrowPaymentResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return EscrowPaymentResult{}, mapRepositoryError(err)
	}
	if order.EscrowCapturedAt != nil {
		return EscrowPaymentResult{}, fmt.Errorf("%w: escrow already captured for order %s", ErrConflict, orderID)
	}

	payment, err := s.gateway.CreateEscrowPayment(ctx, payments.PaymentContext{Currency: s.currency}, payments.EscrowPaymentRequest{
		OrderID:        orderID,
		CustomerID:     order.CustomerID,
		ProviderID:     order.ProviderID,
		Amount:         cmd.Amount.MinorUnits(),
		Currency:       s.currency,
		Description:    cmd.Description,
		Metadata:       textutil.NormalizeStringMap(cmd.Metadata),
		IdempotencyKey: idempotencyKey("escrow", orderID),
	})
	if err != nil {
		s.logger(ctx, "escrow.payment.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
		return EscrowPaymentResult{}, fmt.Errorf("%w: %v", ErrGatewayFailed, err)
	}

	status := domain.OrderStatusPendingOrderReceived
	if cmd.ConsultationRequested {
		status = domain.OrderStatusPendingConsultation
	}

	now := s.now()
	var updated domain.ProductionOrder
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		updated, txErr = s.orders.MarkEscrowCaptured(txCtx, orderID, payment.IntentID, cmd.Amount, status, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, orderID, eventEscrowCreated,
			fmt.Sprintf("Escrow of %s captured and held for this order", cmd.Amount.Format()),
			map[string]any{"paymentIntentId": payment.IntentID, "amount": cmd.Amount.Dollars()})
	})
	if err != nil {
		return EscrowPaymentResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          eventEscrowCreated,
		OrderID:       orderID,
		CurrentStatus: string(updated.Status),
		OccurredAt:    now,
		Metadata:      map[string]any{"paymentIntentId": payment.IntentID},
	})

	return EscrowPaymentResult{
		Order:           updated,
		PaymentIntentID: payment.IntentID,
		ClientSecret:    payment.ClientSecret,
	}, nil
}

// ReleaseEscrowFunds pays the provider the post-fee escrow balance at most once.
func (s *escrowService) ReleaseEscrowFunds(ctx context.Context, orderID string, actorID string) (ReleaseResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ReleaseResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReleaseResult{}, mapRepositoryError(err)
	}
	if decision := CanReleaseEscrow(order); !decision.Allowed {
		if order.EscrowReleasedAt != nil {
			return ReleaseResult{}, fmt.Errorf("%w: %s", ErrEscrowReleased, decision.Reason)
		}
		return ReleaseResult{}, fmt.Errorf("%w: %s", ErrNotAllowed, decision.Reason)
	}

	fee, providerAmount := domain.SplitPlatformFee(order.EscrowAmount)

	if _, err := s.gateway.ReleaseEscrow(ctx, payments.PaymentContext{Currency: s.currency}, payments.ReleaseRequest{
		OrderID:           orderID,
		ProviderID:        order.ProviderID,
		ProviderAccountID: order.ProviderAccountID,
		Amount:            providerAmount.MinorUnits(),
		Currency:          s.currency,
		IdempotencyKey:    idempotencyKey("release", orderID),
	}); err != nil {
		s.logger(ctx, "escrow.release.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
		return ReleaseResult{}, fmt.Errorf("%w: %v", ErrGatewayFailed, err)
	}

	now := s.now()
	credit := domain.WalletTransaction{
		ID:        walletTxIDPrefix + s.newID(),
		UserID:    order.ProviderID,
		OrderID:   orderID,
		Amount:    providerAmount,
		Type:      domain.WalletCredit,
		Status:    "completed",
		Reference: orderID,
		CreatedAt: now,
	}

	var updated domain.ProductionOrder
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		updated, txErr = s.orders.MarkEscrowReleased(txCtx, orderID, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		if s.wallets != nil {
			if txErr := s.wallets.InsertTransaction(txCtx, credit); txErr != nil {
				return mapRepositoryError(txErr)
			}
		}
		return s.appendTimeline(txCtx, orderID, eventEscrowReleased,
			fmt.Sprintf("Escrow released: %s paid to the provider (%s platform fee retained)", providerAmount.Format(), fee.Format()),
			map[string]any{"providerAmount": providerAmount.Dollars(), "platformFee": fee.Dollars()})
	})
	if err != nil {
		// The transfer already went out; a conflict here means another release
		// won the race and the processor idempotency key absorbed the duplicate.
		return ReleaseResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           eventEscrowReleased,
		OrderID:        orderID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        actorID,
		OccurredAt:     now,
		Metadata:       map[string]any{"providerAmount": providerAmount.Dollars()},
	})

	return ReleaseResult{
		Order:          updated,
		PlatformFee:    fee,
		ProviderAmount: providerAmount,
		WalletCredit:   credit,
	}, nil
}

// RefundEscrow returns held funds to the customer and cancels the order.
// Refunds are refused once escrow has been released.
func (s *escrowService) RefundEscrow(ctx context.Context, cmd RefundEscrowCommand) (RefundResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return RefundResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return RefundResult{}, mapRepositoryError(err)
	}
	if decision := CanRefundEscrow(order); !decision.Allowed {
		if order.EscrowReleasedAt != nil {
			return RefundResult{}, fmt.Errorf("%w: %s", ErrEscrowReleased, decision.Reason)
		}
		return RefundResult{}, fmt.Errorf("%w: %s", ErrNotAllowed, decision.Reason)
	}

	amount := order.FinalPrice
	if amount <= 0 {
		amount = order.EscrowAmount
	}
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount < 0 {
		return RefundResult{}, fmt.Errorf("%w: refund amount cannot be negative", ErrInvalidInput)
	}
	if order.PaymentIntentID == nil {
		// Cancellation before any charge: nothing to return.
		amount = 0
	}

	if amount > 0 {
		minor := amount.MinorUnits()
		if _, err := s.gateway.Refund(ctx, payments.PaymentContext{Currency: s.currency}, payments.RefundRequest{
			OrderID:        orderID,
			IntentID:       *order.PaymentIntentID,
			Amount:         &minor,
			Reason:         cmd.Reason,
			IdempotencyKey: idempotencyKey("refund", orderID, amount.Format()),
		}); err != nil {
			s.logger(ctx, "escrow.refund.failed", map[string]any{
				"order": orderID,
				"error": err.Error(),
			})
			return RefundResult{}, fmt.Errorf("%w: %v", ErrGatewayFailed, err)
		}
	}

	now := s.now()
	var updated domain.ProductionOrder
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		updated, txErr = s.orders.MarkCancelled(txCtx, orderID, cmd.Reason, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, orderID, eventEscrowRefunded,
			fmt.Sprintf("Order cancelled and %s refunded to the customer", amount.Format()),
			map[string]any{"refundAmount": amount.Dollars(), "reason": cmd.Reason})
	})
	if err != nil {
		return RefundResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           eventEscrowRefunded,
		OrderID:        orderID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       map[string]any{"refundAmount": amount.Dollars(), "reason": cmd.Reason},
	})

	return RefundResult{Order: updated, RefundAmount: amount}, nil
}
