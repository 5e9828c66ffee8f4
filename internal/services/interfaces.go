package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
	"github.com/forgemarket/api/internal/payments"
)

// Shared sentinel errors used across the workflow services.
var (
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("workflow: invalid input")
	// ErrNotFound indicates the referenced order or child record could not be located.
	ErrNotFound = errors.New("workflow: not found")
	// ErrConflict indicates a guarded resource was already resolved or concurrently modified.
	ErrConflict = errors.New("workflow: conflict")
	// ErrNotAllowed indicates a precondition policy denied the operation.
	ErrNotAllowed = errors.New("workflow: not allowed")
	// ErrGatewayFailed indicates the external payment processor rejected a call.
	// Local state is left at its pre-call value so the operation may be retried.
	ErrGatewayFailed = errors.New("workflow: payment gateway failed")
	// ErrEscrowReleased indicates funds were already paid out to the provider.
	ErrEscrowReleased = errors.New("workflow: escrow already released")
	// ErrAdjustmentProcessed indicates the price adjustment was already approved or rejected.
	ErrAdjustmentProcessed = errors.New("workflow: price adjustment already processed")
)

const (
	// ProviderResponseWindow is the consultation response deadline granted to providers.
	ProviderResponseWindow = 48 * time.Hour
	// CustomerResponseWindow is the price adjustment response deadline granted to customers.
	CustomerResponseWindow = 72 * time.Hour
)

// PaymentGateway abstracts payments.Manager for easier testing.
type PaymentGateway interface {
	CreateEscrowPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.EscrowPaymentRequest) (payments.EscrowPayment, error)
	CaptureDifference(ctx context.Context, paymentCtx payments.PaymentContext, req payments.DifferenceCaptureRequest) (payments.PaymentDetails, error)
	ReleaseEscrow(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ReleaseRequest) (payments.PaymentDetails, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// OrderEventPublisher publishes workflow domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted workflow domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// CreateEscrowPaymentCommand holds the funds for a production order.
type CreateEscrowPaymentCommand struct {
	OrderID               string
	Amount                domain.Money
	Description           string
	ConsultationRequested bool
	Metadata              map[string]string
}

// EscrowPaymentResult reports the processor hold created for an order.
type EscrowPaymentResult struct {
	Order           domain.ProductionOrder
	PaymentIntentID string
	ClientSecret    string
}

// ReleaseResult reports the escrow release outcome.
type ReleaseResult struct {
	Order          domain.ProductionOrder
	PlatformFee    domain.Money
	ProviderAmount domain.Money
	WalletCredit   domain.WalletTransaction
}

// RefundEscrowCommand refunds held funds back to the customer and cancels the order.
type RefundEscrowCommand struct {
	OrderID string
	Reason  string
	// Amount optionally overrides the refund; it defaults to the order's final price.
	Amount  *domain.Money
	ActorID string
}

// RefundResult reports the refund outcome.
type RefundResult struct {
	Order        domain.ProductionOrder
	RefundAmount domain.Money
}

// EscrowService owns all money movement against the external payment processor.
type EscrowService interface {
	CreateEscrowPayment(ctx context.Context, cmd CreateEscrowPaymentCommand) (EscrowPaymentResult, error)
	ReleaseEscrowFunds(ctx context.Context, orderID string, actorID string) (ReleaseResult, error)
	RefundEscrow(ctx context.Context, cmd RefundEscrowCommand) (RefundResult, error)
}

// CreateConsultationCommand opens the pre-production consultation gate on an order.
type CreateConsultationCommand struct {
	OrderID     string
	RequestedBy domain.ConsultationRequestedBy
	ScheduledAt *time.Time
	Notes       string
}

// TimeoutResult reports a recorded deadline expiry and its customer-facing policy text.
type TimeoutResult struct {
	Timeout      domain.ConsultationTimeout
	Consultation *domain.Consultation
	Message      string
}

// ConsultationService drives the optional two-party confirmation step.
type ConsultationService interface {
	CreateConsultation(ctx context.Context, cmd CreateConsultationCommand) (domain.Consultation, error)
	CompleteConsultation(ctx context.Context, consultationID string) (domain.Consultation, error)
	WaiveConsultation(ctx context.Context, orderID string, waivedBy string) (domain.Consultation, error)
	// HandleTimeout stamps the open deadline record and appends the policy text to
	// the timeline. It never changes the order status; the customer decision is a
	// separate, later call.
	HandleTimeout(ctx context.Context, orderID string, timeoutType domain.TimeoutType) (TimeoutResult, error)
}

// RequestPriceAdjustmentCommand proposes a one-time price change for an order.
type RequestPriceAdjustmentCommand struct {
	OrderID       string
	AdjustedPrice domain.Money
	Justification string
	ActorID       string
}

// AdjustmentService lets the provider renegotiate price with customer consent.
type AdjustmentService interface {
	RequestPriceAdjustment(ctx context.Context, cmd RequestPriceAdjustmentCommand) (domain.PriceAdjustment, error)
	ApprovePriceAdjustment(ctx context.Context, adjustmentID string, actorID string) (domain.PriceAdjustment, error)
	RejectPriceAdjustment(ctx context.Context, adjustmentID string, actorID string) (domain.PriceAdjustment, error)
}

// InitializeOrderCommand enters an externally created order into the escrow workflow.
type InitializeOrderCommand struct {
	OrderID                      string
	Amount                       domain.Money
	Description                  string
	ConsultationRequested        bool
	ProviderRequiresConsultation bool
	ScheduledAt                  *time.Time
	Notes                        string
	Metadata                     map[string]string
}

// InitializeOrderResult reports the initialized order and its optional consultation.
type InitializeOrderResult struct {
	Order           domain.ProductionOrder
	PaymentIntentID string
	ClientSecret    string
	Consultation    *domain.Consultation
}

// CustomerTimeoutOptions is the read model answering whether the customer may
// decide after a provider-response timeout, and at which terms.
type CustomerTimeoutOptions struct {
	CanDecide     bool
	Reason        string
	OriginalPrice domain.Money
	RefundAmount  domain.Money
	Deadline      *time.Time
}

// DecisionResult reports a customer decision taken after a timeout.
type DecisionResult struct {
	Order            domain.ProductionOrder
	Message          string
	DecisionRecorded bool
	RefundCompleted  bool
	RefundAmount     domain.Money
}

// OrderStatusView aggregates the whole workflow state for a single order.
// It is the one read model the UI renders.
type OrderStatusView struct {
	Order             domain.ProductionOrder
	Consultation      *domain.Consultation
	PendingAdjustment *domain.PriceAdjustment
	Timeouts          []domain.ConsultationTimeout
	CustomerCanDecide bool
}

// OrderWorkflowService coordinates the order lifecycle from initialization to
// escrow release or cancellation.
type OrderWorkflowService interface {
	InitializeOrder(ctx context.Context, cmd InitializeOrderCommand) (InitializeOrderResult, error)
	MarkOrderReceived(ctx context.Context, orderID string, actorID string) (domain.ProductionOrder, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatusView, error)
	GetCustomerTimeoutOptions(ctx context.Context, orderID string, customerID string) (CustomerTimeoutOptions, error)
	CustomerProceedAfterTimeout(ctx context.Context, orderID string, customerID string) (DecisionResult, error)
	CustomerCancelAfterTimeout(ctx context.Context, orderID string, customerID string) (DecisionResult, error)
	OrderTimeline(ctx context.Context, orderID string, limit int) ([]domain.TimelineEvent, error)
}
