package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/repositories"
)

const (
	eventOrderInitialized = "order.initialized"
	eventOrderReceived    = "order.received"
	eventCustomerProceed  = "customer.decision.proceed"
	eventCustomerCancel   = "customer.decision.cancel"
)

// WorkflowServiceDeps bundles collaborators required to construct the order workflow service.
type WorkflowServiceDeps struct {
	Escrow        EscrowService
	Consultations ConsultationService

	Orders           repositories.OrderRepository
	ConsultationRepo repositories.ConsultationRepository
	Adjustments      repositories.PriceAdjustmentRepository
	Timeouts         repositories.TimeoutRepository
	Timeline         repositories.TimelineRepository

	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type workflowService struct {
	workflowCore
	escrow           EscrowService
	consultationSvc  ConsultationService
	orders           repositories.OrderRepository
	consultationRepo repositories.ConsultationRepository
	adjustments      repositories.PriceAdjustmentRepository
	timeouts         repositories.TimeoutRepository
	timelineRepo     repositories.TimelineRepository
}

// NewOrderWorkflowService wires dependencies into the lifecycle coordinator.
func NewOrderWorkflowService(deps WorkflowServiceDeps) (OrderWorkflowService, error) {
	if deps.Escrow == nil {
		return nil, fmt.Errorf("workflow service: escrow service is required")
	}
	if deps.Consultations == nil {
		return nil, fmt.Errorf("workflow service: consultation service is required")
	}
	if deps.Orders == nil {
		return nil, fmt.Errorf("workflow service: order repository is required")
	}
	return &workflowService{
		workflowCore:     newWorkflowCore(deps.UnitOfWork, deps.Timeline, deps.Events, deps.Clock, deps.IDGenerator, deps.Logger),
		escrow:           deps.Escrow,
		consultationSvc:  deps.Consultations,
		orders:           deps.Orders,
		consultationRepo: deps.ConsultationRepo,
		adjustments:      deps.Adjustments,
		timeouts:         deps.Timeouts,
		timelineRepo:     deps.Timeline,
	}, nil
}

// InitializeOrder enters an existing order into the escrow workflow: the funds
// are held with the processor, and when either party asked for a consultation
// the gate is opened with its 48 hour provider deadline.
func (s *workflowService) InitializeOrder(ctx context.Context, cmd InitializeOrderCommand) (InitializeOrderResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return InitializeOrderResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	consultationRequested := cmd.ConsultationRequested || cmd.ProviderRequiresConsultation

	payment, err := s.escrow.CreateEscrowPayment(ctx, CreateEscrowPaymentCommand{
		OrderID:               orderID,
		Amount:                cmd.Amount,
		Description:           cmd.Description,
		ConsultationRequested: consultationRequested,
		Metadata:              cmd.Metadata,
	})
	if err != nil {
		return InitializeOrderResult{}, err
	}

	result := InitializeOrderResult{
		Order:           payment.Order,
		PaymentIntentID: payment.PaymentIntentID,
		ClientSecret:    payment.ClientSecret,
	}

	if consultationRequested {
		requestedBy := domain.ConsultationRequestedByCustomer
		if cmd.ProviderRequiresConsultation {
			requestedBy = domain.ConsultationRequestedByProvider
		}
		consultation, err := s.consultationSvc.CreateConsultation(ctx, CreateConsultationCommand{
			OrderID:     orderID,
			RequestedBy: requestedBy,
			ScheduledAt: cmd.ScheduledAt,
			Notes:       cmd.Notes,
		})
		if err != nil {
			return InitializeOrderResult{}, err
		}
		result.Consultation = &consultation
		if refreshed, err := s.orders.FindByID(ctx, orderID); err == nil {
			result.Order = refreshed
		}
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          eventOrderInitialized,
		OrderID:       orderID,
		CurrentStatus: string(result.Order.Status),
		OccurredAt:    s.now(),
	})
	return result, nil
}

// MarkOrderReceived is the provider's confirmation. It permanently locks price
// renegotiation for the order.
func (s *workflowService) MarkOrderReceived(ctx context.Context, orderID string, actorID string) (domain.ProductionOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.ProductionOrder{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.ProductionOrder{}, mapRepositoryError(err)
	}
	if decision := CanMarkOrderReceived(order); !decision.Allowed {
		return domain.ProductionOrder{}, fmt.Errorf("%w: %s", ErrNotAllowed, decision.Reason)
	}

	now := s.now()
	var updated domain.ProductionOrder
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		updated, txErr = s.orders.MarkOrderReceived(txCtx, orderID, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, orderID, eventOrderReceived,
			"Provider confirmed the order; the price is now locked", nil)
	})
	if err != nil {
		return domain.ProductionOrder{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           eventOrderReceived,
		OrderID:        orderID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        actorID,
		OccurredAt:     now,
	})
	return updated, nil
}

// GetOrderStatus assembles the single read model the client renders.
func (s *workflowService) GetOrderStatus(ctx context.Context, orderID string) (OrderStatusView, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderStatusView{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderStatusView{}, mapRepositoryError(err)
	}
	view := OrderStatusView{Order: order}

	if s.consultationRepo != nil {
		if consultation, err := s.consultationRepo.FindLatestByOrder(ctx, orderID); err == nil {
			view.Consultation = &consultation
			view.CustomerCanDecide = CustomerCanDecide(&consultation) && order.Status == domain.OrderStatusPendingConsultation
		} else if !isNotFound(err) {
			return OrderStatusView{}, mapRepositoryError(err)
		}
	}
	if s.adjustments != nil {
		if pending, err := s.adjustments.FindPendingByOrder(ctx, orderID); err == nil {
			view.PendingAdjustment = &pending
		} else if !isNotFound(err) {
			return OrderStatusView{}, mapRepositoryError(err)
		}
	}
	if s.timeouts != nil {
		timeouts, err := s.timeouts.ListByOrder(ctx, orderID)
		if err != nil {
			return OrderStatusView{}, mapRepositoryError(err)
		}
		view.Timeouts = timeouts
	}
	return view, nil
}

// GetCustomerTimeoutOptions answers whether the customer holds the decision
// after an expired consultation deadline, and at which terms.
func (s *workflowService) GetCustomerTimeoutOptions(ctx context.Context, orderID string, customerID string) (CustomerTimeoutOptions, error) {
	order, consultation, err := s.loadDecisionContext(ctx, orderID, customerID)
	if err != nil {
		if errors.Is(err, ErrNotAllowed) {
			return CustomerTimeoutOptions{CanDecide: false, Reason: strings.TrimPrefix(err.Error(), ErrNotAllowed.Error()+": ")}, nil
		}
		return CustomerTimeoutOptions{}, err
	}

	price := order.FinalPrice
	if price <= 0 {
		price = order.EscrowAmount
	}
	return CustomerTimeoutOptions{
		CanDecide:     true,
		OriginalPrice: price,
		RefundAmount:  price,
		Deadline:      valuePtr(consultation.TimeoutAt),
	}, nil
}

// CustomerProceedAfterTimeout keeps the order alive at the original price after
// the provider missed the consultation deadline.
func (s *workflowService) CustomerProceedAfterTimeout(ctx context.Context, orderID string, customerID string) (DecisionResult, error) {
	order, consultation, err := s.loadDecisionContext(ctx, orderID, customerID)
	if err != nil {
		return DecisionResult{}, err
	}

	price := order.FinalPrice
	if price <= 0 {
		price = order.EscrowAmount
	}
	message := fmt.Sprintf("Customer chose to proceed at the original price of %s", price.Format())

	now := s.now()
	var updated domain.ProductionOrder
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		next := order
		next.Status = domain.OrderStatusPendingOrderReceived
		next.ConsultationWaived = true
		next.UpdatedAt = now
		if txErr := s.orders.Update(txCtx, next); txErr != nil {
			return mapRepositoryError(txErr)
		}
		updated = next
		return s.appendTimeline(txCtx, orderID, eventCustomerProceed, message,
			map[string]any{"consultationId": consultation.ID, "price": price.Dollars()})
	})
	if err != nil {
		return DecisionResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           eventCustomerProceed,
		OrderID:        orderID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        customerID,
		OccurredAt:     now,
	})
	return DecisionResult{Order: updated, Message: message, DecisionRecorded: true}, nil
}

// CustomerCancelAfterTimeout records the customer's cancellation decision and
// then runs the refund. A processor failure after the decision is surfaced
// distinctly so the refund can be retried without re-asking the customer.
func (s *workflowService) CustomerCancelAfterTimeout(ctx context.Context, orderID string, customerID string) (DecisionResult, error) {
	order, consultation, err := s.loadDecisionContext(ctx, orderID, customerID)
	if err != nil {
		return DecisionResult{}, err
	}

	now := s.now()
	if err := s.appendTimeline(ctx, orderID, eventCustomerCancel,
		"Customer chose to cancel after the provider's response deadline passed",
		map[string]any{"consultationId": consultation.ID}); err != nil {
		return DecisionResult{}, err
	}

	refund, err := s.escrow.RefundEscrow(ctx, RefundEscrowCommand{
		OrderID: orderID,
		Reason:  "consultation_timeout_customer_cancel",
		ActorID: customerID,
	})
	if err != nil {
		if errors.Is(err, ErrGatewayFailed) {
			return DecisionResult{
				Order:            order,
				Message:          "Cancellation recorded; the refund could not be completed and will be retried",
				DecisionRecorded: true,
			}, err
		}
		return DecisionResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           eventCustomerCancel,
		OrderID:        orderID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(refund.Order.Status),
		ActorID:        customerID,
		OccurredAt:     now,
	})
	return DecisionResult{
		Order:            refund.Order,
		Message:          fmt.Sprintf("Order cancelled; %s refunded to the customer", refund.RefundAmount.Format()),
		DecisionRecorded: true,
		RefundCompleted:  true,
		RefundAmount:     refund.RefundAmount,
	}, nil
}

// OrderTimeline returns the append-only audit history, newest first.
func (s *workflowService) OrderTimeline(ctx context.Context, orderID string, limit int) ([]domain.TimelineEvent, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if s.timelineRepo == nil {
		return nil, nil
	}
	events, err := s.timelineRepo.ListByOrder(ctx, orderID, limit)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return events, nil
}

// loadDecisionContext verifies the caller owns the order and the latest
// consultation timed out with the decision flagged to the customer.
func (s *workflowService) loadDecisionContext(ctx context.Context, orderID string, customerID string) (domain.ProductionOrder, domain.Consultation, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.ProductionOrder{}, domain.Consultation{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.ProductionOrder{}, domain.Consultation{}, mapRepositoryError(err)
	}
	if customerID != "" && order.CustomerID != customerID {
		return domain.ProductionOrder{}, domain.Consultation{}, fmt.Errorf("%w: order does not belong to this customer", ErrNotAllowed)
	}
	if order.Status != domain.OrderStatusPendingConsultation {
		return domain.ProductionOrder{}, domain.Consultation{}, fmt.Errorf("%w: the order is not waiting on a consultation decision", ErrNotAllowed)
	}
	if s.consultationRepo == nil {
		return domain.ProductionOrder{}, domain.Consultation{}, fmt.Errorf("%w: consultations are not configured", ErrNotAllowed)
	}

	consultation, err := s.consultationRepo.FindLatestByOrder(ctx, orderID)
	if err != nil {
		return domain.ProductionOrder{}, domain.Consultation{}, mapRepositoryError(err)
	}
	if !CustomerCanDecide(&consultation) {
		return domain.ProductionOrder{}, domain.Consultation{}, fmt.Errorf("%w: the consultation has not timed out", ErrNotAllowed)
	}
	return order, consultation, nil
}
