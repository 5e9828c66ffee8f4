package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/repositories"
)

const (
	eventConsultationCreated   = "consultation.created"
	eventConsultationCompleted = "consultation.completed"
	eventConsultationWaived    = "consultation.waived"
	eventConsultationTimedOut  = "consultation.timed_out"
	eventAdjustmentTimedOut    = "price_adjustment.timed_out"
)

const (
	timeoutActionCustomerDecision   = "customer_decision_enabled"
	timeoutActionOriginalTermsStand = "original_terms_stand"
	timeoutActionNoticeOnly         = "notice_recorded"
)

const providerTimeoutMessage = "Provider did not respond within 48 hours. You may proceed at the original price or cancel for a full refund."

// ConsultationServiceDeps bundles collaborators required to construct the consultation service.
type ConsultationServiceDeps struct {
	Orders        repositories.OrderRepository
	Consultations repositories.ConsultationRepository
	Adjustments   repositories.PriceAdjustmentRepository
	Timeouts      repositories.TimeoutRepository
	Timeline      repositories.TimelineRepository

	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type consultationService struct {
	workflowCore
	orders        repositories.OrderRepository
	consultations repositories.ConsultationRepository
	adjustments   repositories.PriceAdjustmentRepository
	timeouts      repositories.TimeoutRepository
}

// NewConsultationService wires dependencies into a concrete ConsultationService implementation.
func NewConsultationService(deps ConsultationServiceDeps) (ConsultationService, error) {
	if deps.Orders == nil {
		return nil, fmt.Errorf("consultation service: order repository is required")
	}
	if deps.Consultations == nil {
		return nil, fmt.Errorf("consultation service: consultation repository is required")
	}
	if deps.Timeouts == nil {
		return nil, fmt.Errorf("consultation service: timeout repository is required")
	}
	return &consultationService{
		workflowCore:  newWorkflowCore(deps.UnitOfWork, deps.Timeline, deps.Events, deps.Clock, deps.IDGenerator, deps.Logger),
		orders:        deps.Orders,
		consultations: deps.Consultations,
		adjustments:   deps.Adjustments,
		timeouts:      deps.Timeouts,
	}, nil
}

// CreateConsultation opens the consultation gate and starts the provider's
// response clock. One pending consultation exists per order.
func (s *consultationService) CreateConsultation(ctx context.Context, cmd CreateConsultationCommand) (domain.Consultation, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Consultation{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	switch cmd.RequestedBy {
	case domain.ConsultationRequestedByCustomer, domain.ConsultationRequestedByProvider:
	default:
		return domain.Consultation{}, fmt.Errorf("%w: unknown requester %q", ErrInvalidInput, cmd.RequestedBy)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Consultation{}, mapRepositoryError(err)
	}
	if order.Status == domain.OrderStatusCancelled {
		return domain.Consultation{}, fmt.Errorf("%w: the order has been cancelled", ErrNotAllowed)
	}
	if existing, err := s.consultations.FindLatestByOrder(ctx, orderID); err == nil {
		if existing.Status == domain.ConsultationStatusPending {
			return domain.Consultation{}, fmt.Errorf("%w: a consultation is already pending for order %s", ErrConflict, orderID)
		}
	} else if !isNotFound(err) {
		return domain.Consultation{}, mapRepositoryError(err)
	}

	now := s.now()
	deadline := now.Add(ProviderResponseWindow)
	consultation := domain.Consultation{
		ID:          consultationIDPrefix + s.newID(),
		OrderID:     orderID,
		Status:      domain.ConsultationStatusPending,
		RequestedBy: cmd.RequestedBy,
		ScheduledAt: cmd.ScheduledAt,
		Notes:       cmd.Notes,
		TimeoutAt:   deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	timeout := domain.ConsultationTimeout{
		ID:             timeoutIDPrefix + s.newID(),
		OrderID:        orderID,
		ConsultationID: valuePtr(consultation.ID),
		Type:           domain.TimeoutProviderResponse,
		DeadlineAt:     deadline,
		CreatedAt:      now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if txErr := s.consultations.Insert(txCtx, consultation); txErr != nil {
			return mapRepositoryError(txErr)
		}
		if txErr := s.timeouts.Insert(txCtx, timeout); txErr != nil {
			return mapRepositoryError(txErr)
		}
		updated := order
		updated.ConsultationRequested = true
		updated.ConsultationTimerStartedAt = valuePtr(now)
		updated.ProviderResponseDeadline = valuePtr(deadline)
		updated.UpdatedAt = now
		if txErr := s.orders.Update(txCtx, updated); txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, orderID, eventConsultationCreated,
			"Consultation requested; the provider has 48 hours to respond",
			map[string]any{"consultationId": consultation.ID, "requestedBy": string(cmd.RequestedBy), "deadline": deadline})
	})
	if err != nil {
		return domain.Consultation{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       eventConsultationCreated,
		OrderID:    orderID,
		OccurredAt: now,
		Metadata:   map[string]any{"consultationId": consultation.ID},
	})
	return consultation, nil
}

// CompleteConsultation resolves the pending consultation and moves the order on
// to await the provider's order confirmation.
func (s *consultationService) CompleteConsultation(ctx context.Context, consultationID string) (domain.Consultation, error) {
	return s.resolveConsultation(ctx, consultationID, domain.ConsultationStatusCompleted, nil)
}

// WaiveConsultation skips the consultation gate on behalf of waivedBy.
func (s *consultationService) WaiveConsultation(ctx context.Context, orderID string, waivedBy string) (domain.Consultation, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Consultation{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	consultation, err := s.consultations.FindLatestByOrder(ctx, orderID)
	if err != nil {
		return domain.Consultation{}, mapRepositoryError(err)
	}
	return s.resolveConsultation(ctx, consultation.ID, domain.ConsultationStatusWaived, optionalString(waivedBy))
}

func (s *consultationService) resolveConsultation(ctx context.Context, consultationID string, status domain.ConsultationStatus, waivedBy *string) (domain.Consultation, error) {
	consultationID = strings.TrimSpace(consultationID)
	if consultationID == "" {
		return domain.Consultation{}, fmt.Errorf("%w: consultation id is required", ErrInvalidInput)
	}

	consultation, err := s.consultations.FindByID(ctx, consultationID)
	if err != nil {
		return domain.Consultation{}, mapRepositoryError(err)
	}
	order, err := s.orders.FindByID(ctx, consultation.OrderID)
	if err != nil {
		return domain.Consultation{}, mapRepositoryError(err)
	}

	now := s.now()
	eventType := eventConsultationCompleted
	description := "Consultation completed; awaiting the provider's order confirmation"
	if status == domain.ConsultationStatusWaived {
		eventType = eventConsultationWaived
		description = "Consultation waived; awaiting the provider's order confirmation"
	}

	var resolved domain.Consultation
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		resolved, txErr = s.consultations.Resolve(txCtx, consultationID, status, now, waivedBy)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		updated := order
		updated.ConsultationCompletedAt = valuePtr(now)
		updated.ConsultationWaived = status == domain.ConsultationStatusWaived
		if updated.Status == domain.OrderStatusPendingConsultation {
			updated.Status = domain.OrderStatusPendingOrderReceived
		}
		updated.UpdatedAt = now
		if txErr := s.orders.Update(txCtx, updated); txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, consultation.OrderID, eventType, description,
			map[string]any{"consultationId": consultationID})
	})
	if err != nil {
		return domain.Consultation{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           eventType,
		OrderID:        consultation.OrderID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(domain.OrderStatusPendingOrderReceived),
		OccurredAt:     now,
		Metadata:       map[string]any{"consultationId": consultationID},
	})
	return resolved, nil
}

// HandleTimeout stamps the expired deadline record exactly once and records the
// applicable policy outcome. The order status is left untouched: after a
// provider-response timeout the customer decides whether to proceed or cancel,
// and an expired price adjustment simply reverts to the original terms.
func (s *consultationService) HandleTimeout(ctx context.Context, orderID string, timeoutType domain.TimeoutType) (TimeoutResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return TimeoutResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	switch timeoutType {
	case domain.TimeoutProviderResponse:
		return s.handleProviderTimeout(ctx, orderID)
	case domain.TimeoutPriceAdjustmentResponse:
		return s.handleAdjustmentTimeout(ctx, orderID)
	case domain.TimeoutCustomerResponse:
		return s.handleCustomerTimeout(ctx, orderID)
	default:
		return TimeoutResult{}, fmt.Errorf("%w: unknown timeout type %q", ErrInvalidInput, timeoutType)
	}
}

func (s *consultationService) handleProviderTimeout(ctx context.Context, orderID string) (TimeoutResult, error) {
	consultation, err := s.consultations.FindLatestByOrder(ctx, orderID)
	if err != nil {
		return TimeoutResult{}, mapRepositoryError(err)
	}
	if consultation.Status != domain.ConsultationStatusPending {
		return TimeoutResult{}, fmt.Errorf("%w: consultation for order %s is not pending", ErrConflict, orderID)
	}

	now := s.now()
	if now.Before(consultation.TimeoutAt) {
		return TimeoutResult{}, fmt.Errorf("%w: consultation deadline has not passed yet", ErrNotAllowed)
	}

	// Opening the decision window starts its own clock: a customer_response
	// record tracks how long the customer has to proceed or cancel.
	decisionWindow := domain.ConsultationTimeout{
		ID:             timeoutIDPrefix + s.newID(),
		OrderID:        orderID,
		ConsultationID: valuePtr(consultation.ID),
		Type:           domain.TimeoutCustomerResponse,
		DeadlineAt:     now.Add(CustomerResponseWindow),
		CreatedAt:      now,
	}

	var (
		stamped  domain.ConsultationTimeout
		timedOut domain.Consultation
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		stamped, txErr = s.timeouts.StampExpired(txCtx, orderID, domain.TimeoutProviderResponse, timeoutActionCustomerDecision, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		timedOut, txErr = s.consultations.MarkTimedOut(txCtx, consultation.ID, now, true)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		if txErr = s.timeouts.Insert(txCtx, decisionWindow); txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, orderID, eventConsultationTimedOut, providerTimeoutMessage,
			map[string]any{"consultationId": consultation.ID})
	})
	if err != nil {
		return TimeoutResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       eventConsultationTimedOut,
		OrderID:    orderID,
		OccurredAt: now,
		Metadata:   map[string]any{"consultationId": consultation.ID},
	})
	return TimeoutResult{Timeout: stamped, Consultation: &timedOut, Message: providerTimeoutMessage}, nil
}

func (s *consultationService) handleAdjustmentTimeout(ctx context.Context, orderID string) (TimeoutResult, error) {
	if s.adjustments == nil {
		return TimeoutResult{}, fmt.Errorf("%w: price adjustments are not configured", ErrNotAllowed)
	}
	pending, err := s.adjustments.FindPendingByOrder(ctx, orderID)
	if err != nil {
		return TimeoutResult{}, mapRepositoryError(err)
	}

	now := s.now()
	if now.Before(pending.ResponseDeadline) {
		return TimeoutResult{}, fmt.Errorf("%w: adjustment response deadline has not passed yet", ErrNotAllowed)
	}

	message := fmt.Sprintf("Customer did not respond to the price adjustment within 72 hours. The provider may proceed at the original price of %s or cancel the order.", pending.OriginalPrice.Format())

	// The adjustment itself stays pending: the provider decides whether to
	// continue at the original terms or cancel, so only the expiry is recorded.
	var stamped domain.ConsultationTimeout
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		stamped, txErr = s.timeouts.StampExpired(txCtx, orderID, domain.TimeoutPriceAdjustmentResponse, timeoutActionOriginalTermsStand, now)
		if txErr != nil {
			return mapRepositoryError(txErr)
		}
		return s.appendTimeline(txCtx, orderID, eventAdjustmentTimedOut, message,
			map[string]any{"adjustmentId": pending.ID, "originalPrice": pending.OriginalPrice.Dollars()})
	})
	if err != nil {
		return TimeoutResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       eventAdjustmentTimedOut,
		OrderID:    orderID,
		OccurredAt: now,
		Metadata:   map[string]any{"adjustmentId": pending.ID},
	})
	return TimeoutResult{Timeout: stamped, Message: message}, nil
}

func (s *consultationService) handleCustomerTimeout(ctx context.Context, orderID string) (TimeoutResult, error) {
	open, err := s.findOpenTimeout(ctx, orderID, domain.TimeoutCustomerResponse)
	if err != nil {
		return TimeoutResult{}, err
	}

	now := s.now()
	if now.Before(open.DeadlineAt) {
		return TimeoutResult{}, fmt.Errorf("%w: customer decision deadline has not passed yet", ErrNotAllowed)
	}

	message := "Customer decision deadline passed; the order remains on hold."

	stamped, err := s.timeouts.StampExpired(ctx, orderID, domain.TimeoutCustomerResponse, timeoutActionNoticeOnly, now)
	if err != nil {
		return TimeoutResult{}, mapRepositoryError(err)
	}
	if err := s.appendTimeline(ctx, orderID, "customer_decision.timed_out", message, nil); err != nil {
		return TimeoutResult{}, err
	}
	return TimeoutResult{Timeout: stamped, Message: message}, nil
}

func (s *consultationService) findOpenTimeout(ctx context.Context, orderID string, timeoutType domain.TimeoutType) (domain.ConsultationTimeout, error) {
	timeouts, err := s.timeouts.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.ConsultationTimeout{}, mapRepositoryError(err)
	}
	for _, timeout := range timeouts {
		if timeout.Type == timeoutType && timeout.ExpiredAt == nil {
			return timeout, nil
		}
	}
	return domain.ConsultationTimeout{}, fmt.Errorf("%w: no open %s deadline for order %s", ErrNotFound, timeoutType, orderID)
}
