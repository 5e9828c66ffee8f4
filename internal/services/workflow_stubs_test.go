package services

import (
	"context"
	"fmt"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/payments"
)

// stubRepoError categorises like the persistence layer so mapRepositoryError
// behaves the same in tests as in production.
type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string {
	return fmt.Sprintf("stub repo error (notFound=%v conflict=%v)", e.notFound, e.conflict)
}

func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var (
	errStubNotFound = stubRepoError{notFound: true}
	errStubConflict = stubRepoError{conflict: true}
)

type stubOrderRepository struct {
	order domain.ProductionOrder

	insertFunc        func(ctx context.Context, order domain.ProductionOrder) error
	updateFunc        func(ctx context.Context, order domain.ProductionOrder) error
	findFunc          func(ctx context.Context, orderID string) (domain.ProductionOrder, error)
	markCapturedFunc  func(ctx context.Context, orderID, intentID string, amount domain.Money, status domain.OrderStatus, capturedAt time.Time) (domain.ProductionOrder, error)
	markReleasedFunc  func(ctx context.Context, orderID string, releasedAt time.Time) (domain.ProductionOrder, error)
	markCancelledFunc func(ctx context.Context, orderID, reason string, cancelledAt time.Time) (domain.ProductionOrder, error)
	markReceivedFunc  func(ctx context.Context, orderID string, receivedAt time.Time) (domain.ProductionOrder, error)
	applyPriceFunc    func(ctx context.Context, orderID string, newPrice domain.Money, appliedAt time.Time) (domain.ProductionOrder, error)

	updates        []domain.ProductionOrder
	capturedCalls  int
	releasedCalls  int
	cancelledCalls int
	receivedCalls  int
	applyCalls     int
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.ProductionOrder) error {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, order)
	}
	return nil
}

func (s *stubOrderRepository) Update(ctx context.Context, order domain.ProductionOrder) error {
	s.updates = append(s.updates, order)
	if s.updateFunc != nil {
		return s.updateFunc(ctx, order)
	}
	return nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.ProductionOrder, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, orderID)
	}
	if s.order.ID == "" || s.order.ID != orderID {
		return domain.ProductionOrder{}, errStubNotFound
	}
	return s.order, nil
}

func (s *stubOrderRepository) MarkEscrowCaptured(ctx context.Context, orderID, intentID string, amount domain.Money, status domain.OrderStatus, capturedAt time.Time) (domain.ProductionOrder, error) {
	s.capturedCalls++
	if s.markCapturedFunc != nil {
		return s.markCapturedFunc(ctx, orderID, intentID, amount, status, capturedAt)
	}
	out := s.order
	out.PaymentIntentID = &intentID
	out.EscrowAmount = amount
	out.FinalPrice = amount
	out.Status = status
	out.EscrowCapturedAt = &capturedAt
	s.order = out
	return out, nil
}

func (s *stubOrderRepository) MarkEscrowReleased(ctx context.Context, orderID string, releasedAt time.Time) (domain.ProductionOrder, error) {
	s.releasedCalls++
	if s.markReleasedFunc != nil {
		return s.markReleasedFunc(ctx, orderID, releasedAt)
	}
	out := s.order
	out.EscrowReleasedAt = &releasedAt
	out.Status = domain.OrderStatusCompleted
	s.order = out
	return out, nil
}

func (s *stubOrderRepository) MarkCancelled(ctx context.Context, orderID, reason string, cancelledAt time.Time) (domain.ProductionOrder, error) {
	s.cancelledCalls++
	if s.markCancelledFunc != nil {
		return s.markCancelledFunc(ctx, orderID, reason, cancelledAt)
	}
	out := s.order
	out.Status = domain.OrderStatusCancelled
	out.CancellationReason = &reason
	s.order = out
	return out, nil
}

func (s *stubOrderRepository) MarkOrderReceived(ctx context.Context, orderID string, receivedAt time.Time) (domain.ProductionOrder, error) {
	s.receivedCalls++
	if s.markReceivedFunc != nil {
		return s.markReceivedFunc(ctx, orderID, receivedAt)
	}
	out := s.order
	out.Status = domain.OrderStatusOrderReceived
	out.OrderReceivedAt = &receivedAt
	out.PriceAdjustmentAllowed = false
	s.order = out
	return out, nil
}

func (s *stubOrderRepository) ApplyApprovedPrice(ctx context.Context, orderID string, newPrice domain.Money, appliedAt time.Time) (domain.ProductionOrder, error) {
	s.applyCalls++
	if s.applyPriceFunc != nil {
		return s.applyPriceFunc(ctx, orderID, newPrice, appliedAt)
	}
	out := s.order
	out.FinalPrice = newPrice
	out.PriceAdjustmentUsed = true
	s.order = out
	return out, nil
}

type stubConsultationRepository struct {
	consultation domain.Consultation

	insertFunc       func(ctx context.Context, consultation domain.Consultation) error
	findFunc         func(ctx context.Context, consultationID string) (domain.Consultation, error)
	findLatestFunc   func(ctx context.Context, orderID string) (domain.Consultation, error)
	resolveFunc      func(ctx context.Context, consultationID string, status domain.ConsultationStatus, resolvedAt time.Time, waivedBy *string) (domain.Consultation, error)
	markTimedOutFunc func(ctx context.Context, consultationID string, timedOutAt time.Time, customerCanDecide bool) (domain.Consultation, error)

	inserted     []domain.Consultation
	resolveCalls int
	timeoutCalls int
}

func (s *stubConsultationRepository) Insert(ctx context.Context, consultation domain.Consultation) error {
	s.inserted = append(s.inserted, consultation)
	if s.insertFunc != nil {
		return s.insertFunc(ctx, consultation)
	}
	return nil
}

func (s *stubConsultationRepository) FindByID(ctx context.Context, consultationID string) (domain.Consultation, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, consultationID)
	}
	if s.consultation.ID == "" || s.consultation.ID != consultationID {
		return domain.Consultation{}, errStubNotFound
	}
	return s.consultation, nil
}

func (s *stubConsultationRepository) FindLatestByOrder(ctx context.Context, orderID string) (domain.Consultation, error) {
	if s.findLatestFunc != nil {
		return s.findLatestFunc(ctx, orderID)
	}
	if s.consultation.ID == "" {
		return domain.Consultation{}, errStubNotFound
	}
	return s.consultation, nil
}

func (s *stubConsultationRepository) Resolve(ctx context.Context, consultationID string, status domain.ConsultationStatus, resolvedAt time.Time, waivedBy *string) (domain.Consultation, error) {
	s.resolveCalls++
	if s.resolveFunc != nil {
		return s.resolveFunc(ctx, consultationID, status, resolvedAt, waivedBy)
	}
	out := s.consultation
	out.Status = status
	out.CompletedAt = &resolvedAt
	out.WaivedBy = waivedBy
	s.consultation = out
	return out, nil
}

func (s *stubConsultationRepository) MarkTimedOut(ctx context.Context, consultationID string, timedOutAt time.Time, customerCanDecide bool) (domain.Consultation, error) {
	s.timeoutCalls++
	if s.markTimedOutFunc != nil {
		return s.markTimedOutFunc(ctx, consultationID, timedOutAt, customerCanDecide)
	}
	out := s.consultation
	out.Status = domain.ConsultationStatusTimedOut
	out.CustomerCanDecide = customerCanDecide
	s.consultation = out
	return out, nil
}

type stubAdjustmentRepository struct {
	adjustment domain.PriceAdjustment
	pending    *domain.PriceAdjustment

	insertFunc      func(ctx context.Context, adjustment domain.PriceAdjustment) error
	findFunc        func(ctx context.Context, adjustmentID string) (domain.PriceAdjustment, error)
	findPendingFunc func(ctx context.Context, orderID string) (domain.PriceAdjustment, error)
	resolveFunc     func(ctx context.Context, adjustmentID string, status domain.AdjustmentStatus, differenceCaptured bool, resolvedAt time.Time) (domain.PriceAdjustment, error)

	inserted     []domain.PriceAdjustment
	resolveCalls int
}

func (s *stubAdjustmentRepository) Insert(ctx context.Context, adjustment domain.PriceAdjustment) error {
	s.inserted = append(s.inserted, adjustment)
	if s.insertFunc != nil {
		return s.insertFunc(ctx, adjustment)
	}
	return nil
}

func (s *stubAdjustmentRepository) FindByID(ctx context.Context, adjustmentID string) (domain.PriceAdjustment, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, adjustmentID)
	}
	if s.adjustment.ID == "" || s.adjustment.ID != adjustmentID {
		return domain.PriceAdjustment{}, errStubNotFound
	}
	return s.adjustment, nil
}

func (s *stubAdjustmentRepository) FindPendingByOrder(ctx context.Context, orderID string) (domain.PriceAdjustment, error) {
	if s.findPendingFunc != nil {
		return s.findPendingFunc(ctx, orderID)
	}
	if s.pending == nil {
		return domain.PriceAdjustment{}, errStubNotFound
	}
	return *s.pending, nil
}

func (s *stubAdjustmentRepository) Resolve(ctx context.Context, adjustmentID string, status domain.AdjustmentStatus, differenceCaptured bool, resolvedAt time.Time) (domain.PriceAdjustment, error) {
	s.resolveCalls++
	if s.resolveFunc != nil {
		return s.resolveFunc(ctx, adjustmentID, status, differenceCaptured, resolvedAt)
	}
	out := s.adjustment
	out.Status = status
	out.DifferenceCaptured = differenceCaptured
	out.ResolvedAt = &resolvedAt
	s.adjustment = out
	return out, nil
}

type stubTimeoutRepository struct {
	insertFunc      func(ctx context.Context, timeout domain.ConsultationTimeout) error
	stampFunc       func(ctx context.Context, orderID string, timeoutType domain.TimeoutType, actionTaken string, expiredAt time.Time) (domain.ConsultationTimeout, error)
	listFunc        func(ctx context.Context, orderID string) ([]domain.ConsultationTimeout, error)
	listExpiredFunc func(ctx context.Context, now time.Time, limit int) ([]domain.ConsultationTimeout, error)

	inserted   []domain.ConsultationTimeout
	stampCalls int
}

func (s *stubTimeoutRepository) Insert(ctx context.Context, timeout domain.ConsultationTimeout) error {
	s.inserted = append(s.inserted, timeout)
	if s.insertFunc != nil {
		return s.insertFunc(ctx, timeout)
	}
	return nil
}

func (s *stubTimeoutRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.ConsultationTimeout, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, orderID)
	}
	return s.inserted, nil
}

func (s *stubTimeoutRepository) StampExpired(ctx context.Context, orderID string, timeoutType domain.TimeoutType, actionTaken string, expiredAt time.Time) (domain.ConsultationTimeout, error) {
	s.stampCalls++
	if s.stampFunc != nil {
		return s.stampFunc(ctx, orderID, timeoutType, actionTaken, expiredAt)
	}
	return domain.ConsultationTimeout{
		ID:          "cto_stub",
		OrderID:     orderID,
		Type:        timeoutType,
		ActionTaken: actionTaken,
		ExpiredAt:   &expiredAt,
	}, nil
}

func (s *stubTimeoutRepository) ListOpenExpired(ctx context.Context, now time.Time, limit int) ([]domain.ConsultationTimeout, error) {
	if s.listExpiredFunc != nil {
		return s.listExpiredFunc(ctx, now, limit)
	}
	return nil, nil
}

type stubTimelineRepository struct {
	appendFunc func(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error)
	listFunc   func(ctx context.Context, orderID string, limit int) ([]domain.TimelineEvent, error)

	events []domain.TimelineEvent
}

func (s *stubTimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error) {
	s.events = append(s.events, event)
	if s.appendFunc != nil {
		return s.appendFunc(ctx, event)
	}
	return event, nil
}

func (s *stubTimelineRepository) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.TimelineEvent, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, orderID, limit)
	}
	return s.events, nil
}

type stubWalletRepository struct {
	insertFunc func(ctx context.Context, tx domain.WalletTransaction) error

	inserted []domain.WalletTransaction
}

func (s *stubWalletRepository) InsertTransaction(ctx context.Context, tx domain.WalletTransaction) error {
	s.inserted = append(s.inserted, tx)
	if s.insertFunc != nil {
		return s.insertFunc(ctx, tx)
	}
	return nil
}

func (s *stubWalletRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.WalletTransaction, error) {
	return s.inserted, nil
}

type stubGateway struct {
	createFunc  func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.EscrowPaymentRequest) (payments.EscrowPayment, error)
	captureFunc func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.DifferenceCaptureRequest) (payments.PaymentDetails, error)
	releaseFunc func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ReleaseRequest) (payments.PaymentDetails, error)
	refundFunc  func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)

	createCalls  int
	captureCalls int
	releaseCalls int
	refundCalls  int

	lastCreate  payments.EscrowPaymentRequest
	lastCapture payments.DifferenceCaptureRequest
	lastRelease payments.ReleaseRequest
	lastRefund  payments.RefundRequest
}

func (s *stubGateway) CreateEscrowPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.EscrowPaymentRequest) (payments.EscrowPayment, error) {
	s.createCalls++
	s.lastCreate = req
	if s.createFunc != nil {
		return s.createFunc(ctx, paymentCtx, req)
	}
	return payments.EscrowPayment{IntentID: "pi_stub", ClientSecret: "pi_stub_secret", Status: payments.StatusPending}, nil
}

func (s *stubGateway) CaptureDifference(ctx context.Context, paymentCtx payments.PaymentContext, req payments.DifferenceCaptureRequest) (payments.PaymentDetails, error) {
	s.captureCalls++
	s.lastCapture = req
	if s.captureFunc != nil {
		return s.captureFunc(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{IntentID: "pi_diff_stub", Status: payments.StatusSucceeded, Captured: true}, nil
}

func (s *stubGateway) ReleaseEscrow(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ReleaseRequest) (payments.PaymentDetails, error) {
	s.releaseCalls++
	s.lastRelease = req
	if s.releaseFunc != nil {
		return s.releaseFunc(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{IntentID: "tr_stub", Status: payments.StatusSucceeded}, nil
}

func (s *stubGateway) Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
	s.refundCalls++
	s.lastRefund = req
	if s.refundFunc != nil {
		return s.refundFunc(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.StatusRefunded}, nil
}

type stubEventPublisher struct {
	publishFunc func(ctx context.Context, event OrderEvent) error

	events []OrderEvent
}

func (s *stubEventPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	s.events = append(s.events, event)
	if s.publishFunc != nil {
		return s.publishFunc(ctx, event)
	}
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequenceIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}
