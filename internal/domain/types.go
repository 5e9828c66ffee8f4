package domain

import (
	"time"
)

// OrderStatus enumerates valid lifecycle states for production orders.
type OrderStatus string

const (
	// OrderStatusPendingConsultation indicates the order is waiting on the pre-production consultation.
	OrderStatusPendingConsultation OrderStatus = "pending_consultation"
	// OrderStatusPendingOrderReceived indicates escrow is held and the provider has not yet confirmed the order.
	OrderStatusPendingOrderReceived OrderStatus = "pending_order_received"
	// OrderStatusOrderReceived indicates the provider confirmed the order; price renegotiation is locked.
	OrderStatusOrderReceived OrderStatus = "order_received"
	// OrderStatusInProduction indicates the provider is producing the custom work.
	OrderStatusInProduction OrderStatus = "in_production"
	// OrderStatusCompleted indicates production finished and the order awaits escrow release.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled and escrow refunded.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ProductionOrder is the aggregate root of the escrow workflow.
type ProductionOrder struct {
	ID                string
	CustomerID        string
	ProviderID        string
	ProviderAccountID string
	ServiceID         string
	Status            OrderStatus

	EscrowAmount Money
	FinalPrice   Money
	RefundPolicy string

	PaymentIntentID  *string
	EscrowCapturedAt *time.Time
	EscrowReleasedAt *time.Time

	ConsultationRequested      bool
	ConsultationRequired       bool
	ConsultationWaived         bool
	ConsultationCompletedAt    *time.Time
	ConsultationTimerStartedAt *time.Time
	ProviderResponseDeadline   *time.Time

	PriceAdjustmentAllowed   bool
	PriceAdjustmentUsed      bool
	CustomerResponseDeadline *time.Time

	OrderReceivedAt    *time.Time
	CancellationReason *string

	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConsultationStatus describes the lifecycle of a pre-production consultation.
type ConsultationStatus string

const (
	// ConsultationStatusPending indicates the consultation awaits a provider response.
	ConsultationStatusPending ConsultationStatus = "pending"
	// ConsultationStatusCompleted indicates both parties completed the consultation.
	ConsultationStatusCompleted ConsultationStatus = "completed"
	// ConsultationStatusWaived indicates the consultation was explicitly skipped.
	ConsultationStatusWaived ConsultationStatus = "waived"
	// ConsultationStatusTimedOut indicates the provider response deadline passed.
	ConsultationStatusTimedOut ConsultationStatus = "timed_out"
)

// ConsultationRequestedBy identifies which party triggered the consultation.
type ConsultationRequestedBy string

const (
	// ConsultationRequestedByCustomer marks a customer-requested consultation.
	ConsultationRequestedByCustomer ConsultationRequestedBy = "customer"
	// ConsultationRequestedByProvider marks a consultation the provider requires before production.
	ConsultationRequestedByProvider ConsultationRequestedBy = "provider_required"
)

// Consultation is the optional two-party confirmation step gating production.
// One live (pending) consultation exists per order at a time.
type Consultation struct {
	ID          string
	OrderID     string
	Status      ConsultationStatus
	RequestedBy ConsultationRequestedBy

	ScheduledAt *time.Time
	Notes       string

	TimeoutAt         time.Time
	CompletedAt       *time.Time
	WaivedBy          *string
	CustomerCanDecide bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AdjustmentType carries the direction of a price adjustment; the magnitude is stored separately.
type AdjustmentType string

const (
	// AdjustmentTypeIncrease indicates the adjusted price exceeds the original.
	AdjustmentTypeIncrease AdjustmentType = "increase"
	// AdjustmentTypeDecrease indicates the adjusted price is below the original.
	AdjustmentTypeDecrease AdjustmentType = "decrease"
)

// AdjustmentStatus describes the lifecycle of a provider-proposed price adjustment.
type AdjustmentStatus string

const (
	// AdjustmentStatusPending indicates the customer has not responded yet.
	AdjustmentStatusPending AdjustmentStatus = "pending"
	// AdjustmentStatusApproved indicates the customer accepted the new price.
	AdjustmentStatusApproved AdjustmentStatus = "approved"
	// AdjustmentStatusRejected indicates the customer declined the new price.
	AdjustmentStatusRejected AdjustmentStatus = "rejected"
)

// PriceAdjustment records a one-time provider-proposed price change awaiting customer consent.
// At most one pending adjustment exists per order at any time.
type PriceAdjustment struct {
	ID      string
	OrderID string

	OriginalPrice    Money
	AdjustedPrice    Money
	AdjustmentAmount Money
	Type             AdjustmentType
	Justification    string

	Status             AdjustmentStatus
	ResponseDeadline   time.Time
	DifferenceCaptured bool
	ResolvedAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeoutType categorises which deadline expired.
type TimeoutType string

const (
	// TimeoutProviderResponse marks the 48 hour consultation response deadline.
	TimeoutProviderResponse TimeoutType = "provider_response"
	// TimeoutPriceAdjustmentResponse marks the 72 hour customer adjustment deadline.
	TimeoutPriceAdjustmentResponse TimeoutType = "price_adjustment_response"
	// TimeoutCustomerResponse marks a pending customer decision deadline.
	TimeoutCustomerResponse TimeoutType = "customer_response"
)

// ConsultationTimeout is an append-only record of a deadline expiring.
// ExpiredAt is stamped exactly once when the sweep or a read detects expiry.
type ConsultationTimeout struct {
	ID             string
	OrderID        string
	ConsultationID *string
	Type           TimeoutType
	ActionTaken    string
	DeadlineAt     time.Time
	ExpiredAt      *time.Time
	CreatedAt      time.Time
}

// TimelineEvent is an append-only audit entry tied to an order.
// Events are never mutated or deleted; they are the sole history mechanism.
type TimelineEvent struct {
	ID          string
	OrderID     string
	Type        string
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// WalletTransactionType distinguishes wallet credits from debits.
type WalletTransactionType string

const (
	// WalletCredit adds funds to a wallet balance.
	WalletCredit WalletTransactionType = "credit"
	// WalletDebit removes funds from a wallet balance.
	WalletDebit WalletTransactionType = "debit"
)

// WalletTransaction is a ledger entry created when escrow is released to the provider.
type WalletTransaction struct {
	ID        string
	UserID    string
	OrderID   string
	Amount    Money
	Type      WalletTransactionType
	Status    string
	Reference string
	CreatedAt time.Time
}
