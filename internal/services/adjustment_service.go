package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/payments"
	"github.com/forgemarket/api/internal/repositories"
)

const (
	eventAdjustmentRequested = "price_adjustment.requested"
	eventAdjustmentApproved  = "price_adjustment.approved"
	eventAdjustmentRejected  = "price_adjustment.rejected"
)

// AdjustmentServiceDeps bundles collaborators required to construct the adjustment service.
type AdjustmentServiceDeps struct {
	Orders      repositories.OrderRepository
	Adjustments repositories.PriceAdjustmentRepository
	Timeouts    repositories.TimeoutRepository
	Timeline    repositories.TimelineRepository
	Gateway     PaymentGateway
	Currency    string

	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type adjustmentService struct {
	workflowCore
	orders      repositories.OrderRepository
	adjustments repositories.PriceAdjustmentRepository
	timeouts    repositories.TimeoutRepository
	gateway     PaymentGateway
	currency    string
}

// NewAdjustmentService wires dependencies into a concrete AdjustmentService implementation.
func NewAdjustmentService(deps AdjustmentServiceDeps) (AdjustmentService, error) {
	if deps.Orders == nil {
		return nil, fmt.Errorf("adjustment service: order repository is required")
	}
	if deps.Adjustments == nil {
		return nil, fmt.Errorf("adjustment service: adjustment repository is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("adjustment service: payment gateway is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &adjustmentService{
		workflowCore: newWorkflowCore(deps.UnitOfWork, deps.Timeline, deps.Events, deps.Clock, deps.IDGenerator, deps.Logger),
		orders:       deps.Orders,
		adjustments:  deps.Adjustments,
		timeouts:     deps.Timeouts,
		gateway:      deps.Gateway,
		currency:     currency,
	}, nil
}

// RequestPriceAdjustment records a provider price proposal and starts the
// customer's 72 hour response clock. Each order gets one adjustment total; a
// second request is refused even after the first was rejected by timeout.
func (s *adjustmentService) RequestPriceAdjustment(ctx context.Context, cmd RequestPriceAdjustmentCommand) (domain.PriceAdjustment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.PriceAdjustment{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.AdjustedPrice <= 0 {
		return domain.PriceAdjustment{}, fmt.Errorf("%w: adjusted price must be positive", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.PriceAdjustment{}, mapRepositoryError(err)
	}

	var pending *domain.PriceAdjustment
	if existing, err := s.adjustments.FindPendingByOrder(ctx, orderID); err == nil {
		pending = &existing
	} else if !isNotFound(err) {
		return domain.PriceAdjustment{}, mapRepositoryError(err)
	}

	if decision := CanRequestPriceAdjustment(order, pending); !decision.Allowed {
		return domain.PriceAdjustment{}, fmt.Errorf("%w: %s", ErrNotAllowed, decision.Reason)
	}

	original := order.FinalPrice
	if original <= 0 {
		original = order.EscrowAmount
	}
	if cmd.AdjustedPrice == original {
		return domain.PriceAdjustment{}, fmt.Errorf("%w: adjusted price equals the current price", ErrInvalidInput)
	}
	delta, adjustmentType := domain.AdjustmentDelta(original, cmd.AdjustedPrice)

	now := s.now()
	deadline := now.Add(CustomerResponseWindow)
	adjustment := domain.PriceAdjustment{
		ID:               adjustmentIDPrefix + s.newID(),
		OrderID:          orderID,
		OriginalPrice:    original,
		AdjustedPrice:    cmd.AdjustedPrice,
		AdjustmentAmount: delta,
		Type:             adjustmentType,
		Justification:    cmd.Justification,
		Status:           domain.AdjustmentStatusPending,
		ResponseDeadline: deadline,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	timeout := domain.ConsultationTimeout{
		ID:         timeoutIDPrefix + s.newID(),
		OrderID:    orderID,
		Type:       domain.TimeoutPriceAdjustmentResponse,
		DeadlineAt: deadline,
		CreatedAt:  now,
	}

	description := fmt.Sprintf("Provider proposed a price change: %s → %s", original.Format(), cmd.AdjustedPrice.Format())
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if txErr := s.adjustments.Insert(txCtx, adjustment); txErr != nil {
			return mapRepositoryError(txErr)
		}
		if s.timeouts != nil {
			if txErr := s.timeouts.Insert(txCtx, timeout); txErr != nil {
				return mapRepositoryError(txErr)
			}
		}
		updated := order
		updated.CustomerResponseDeadline = valuePtr(deadline)
		updated.UpdatedAt = now
		if txErr := s.orders.Update(txCtx, updated); txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, orderID, eventAdjustmentRequested, description,
			map[string]any{
				"adjustmentId":  adjustment.ID,
				"originalPrice": original.Dollars(),
				"adjustedPrice": cmd.AdjustedPrice.Dollars(),
				"type":          string(adjustmentType),
				"deadline":      deadline,
			})
	})
	if err != nil {
		return domain.PriceAdjustment{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       eventAdjustmentRequested,
		OrderID:    orderID,
		ActorID:    cmd.ActorID,
		OccurredAt: now,
		Metadata:   map[string]any{"adjustmentId": adjustment.ID, "adjustedPrice": cmd.AdjustedPrice.Dollars()},
	})
	return adjustment, nil
}

// ApprovePriceAdjustment applies the proposed price with customer consent. For
// an increase the difference is charged before any local state changes, so a
// declined card leaves the adjustment pending and retryable.
func (s *adjustmentService) ApprovePriceAdjustment(ctx context.Context, adjustmentID string, actorID string) (domain.PriceAdjustment, error) {
	adjustment, order, err := s.loadPending(ctx, adjustmentID)
	if err != nil {
		return domain.PriceAdjustment{}, err
	}

	differenceCaptured := false
	if adjustment.Type == domain.AdjustmentTypeIncrease {
		if _, err := s.gateway.CaptureDifference(ctx, payments.PaymentContext{Currency: s.currency}, payments.DifferenceCaptureRequest{
			OrderID:        order.ID,
			CustomerID:     order.CustomerID,
			Amount:         adjustment.AdjustmentAmount.MinorUnits(),
			Currency:       s.currency,
			Description:    fmt.Sprintf("Approved price increase for order %s", order.ID),
			IdempotencyKey: idempotencyKey("difference", adjustment.ID),
		}); err != nil {
			s.logger(ctx, "adjustment.difference.failed", map[string]any{
				"order":      order.ID,
				"adjustment": adjustment.ID,
				"error":      err.Error(),
			})
			return domain.PriceAdjustment{}, fmt.Errorf("%w: %v", ErrGatewayFailed, err)
		}
		differenceCaptured = true
	}

	now := s.now()
	description := fmt.Sprintf("Customer approved the price change to %s", adjustment.AdjustedPrice.Format())
	var resolved domain.PriceAdjustment
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		resolved, txErr = s.adjustments.Resolve(txCtx, adjustment.ID, domain.AdjustmentStatusApproved, differenceCaptured, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		if _, txErr = s.orders.ApplyApprovedPrice(txCtx, order.ID, adjustment.AdjustedPrice, now); txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, order.ID, eventAdjustmentApproved, description,
			map[string]any{
				"adjustmentId":       adjustment.ID,
				"newPrice":           adjustment.AdjustedPrice.Dollars(),
				"differenceCaptured": differenceCaptured,
			})
	})
	if err != nil {
		if differenceCaptured {
			// The charge went through but local state lost a race. The
			// idempotency key absorbs the retry charge; surface the conflict.
			s.logger(ctx, "adjustment.approve.conflict_after_capture", map[string]any{
				"order":      order.ID,
				"adjustment": adjustment.ID,
				"error":      err.Error(),
			})
		}
		return domain.PriceAdjustment{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       eventAdjustmentApproved,
		OrderID:    order.ID,
		ActorID:    actorID,
		OccurredAt: now,
		Metadata:   map[string]any{"adjustmentId": adjustment.ID, "newPrice": adjustment.AdjustedPrice.Dollars()},
	})
	return resolved, nil
}

// RejectPriceAdjustment declines the proposal; the order continues at the
// original price and the provider cannot propose again.
func (s *adjustmentService) RejectPriceAdjustment(ctx context.Context, adjustmentID string, actorID string) (domain.PriceAdjustment, error) {
	adjustment, order, err := s.loadPending(ctx, adjustmentID)
	if err != nil {
		return domain.PriceAdjustment{}, err
	}

	now := s.now()
	description := fmt.Sprintf("Customer declined the price change; the order continues at %s", adjustment.OriginalPrice.Format())
	var resolved domain.PriceAdjustment
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		resolved, txErr = s.adjustments.Resolve(txCtx, adjustment.ID, domain.AdjustmentStatusRejected, false, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, order.ID, eventAdjustmentRejected, description,
			map[string]any{"adjustmentId": adjustment.ID, "originalPrice": adjustment.OriginalPrice.Dollars()})
	})
	if err != nil {
		return domain.PriceAdjustment{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       eventAdjustmentRejected,
		OrderID:    order.ID,
		ActorID:    actorID,
		OccurredAt: now,
		Metadata:   map[string]any{"adjustmentId": adjustment.ID},
	})
	return resolved, nil
}

func (s *adjustmentService) loadPending(ctx context.Context, adjustmentID string) (domain.PriceAdjustment, domain.ProductionOrder, error) {
	adjustmentID = strings.TrimSpace(adjustmentID)
	if adjustmentID == "" {
		return domain.PriceAdjustment{}, domain.ProductionOrder{}, fmt.Errorf("%w: adjustment id is required", ErrInvalidInput)
	}
	adjustment, err := s.adjustments.FindByID(ctx, adjustmentID)
	if err != nil {
		return domain.PriceAdjustment{}, domain.ProductionOrder{}, mapRepositoryError(err)
	}
	if adjustment.Status != domain.AdjustmentStatusPending {
		return domain.PriceAdjustment{}, domain.ProductionOrder{}, fmt.Errorf("%w: adjustment %s is %s", ErrAdjustmentProcessed, adjustmentID, adjustment.Status)
	}
	order, err := s.orders.FindByID(ctx, adjustment.OrderID)
	if err != nil {
		return domain.PriceAdjustment{}, domain.ProductionOrder{}, mapRepositoryError(err)
	}
	if order.EscrowReleasedAt != nil {
		return domain.PriceAdjustment{}, domain.ProductionOrder{}, fmt.Errorf("%w: escrow has already been released", ErrEscrowReleased)
	}
	if order.Status == domain.OrderStatusCancelled {
		return domain.PriceAdjustment{}, domain.ProductionOrder{}, fmt.Errorf("%w: the order has been cancelled", ErrNotAllowed)
	}
	return adjustment, order, nil
}
