package repositories

import (
	"context"
	"time"

	domain "github.com/forgemarket/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Consultations() ConsultationRepository
	Adjustments() PriceAdjustmentRepository
	Timeouts() TimeoutRepository
	Timeline() TimelineRepository
	Wallets() WalletRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists production orders. Guarded mutations combine the
// precondition and the write in a single conditional statement so concurrent
// money-moving calls cannot both pass the check.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.ProductionOrder) error
	Update(ctx context.Context, order domain.ProductionOrder) error
	FindByID(ctx context.Context, orderID string) (domain.ProductionOrder, error)

	// MarkEscrowCaptured records the processor hold after a successful gateway call.
	MarkEscrowCaptured(ctx context.Context, orderID string, intentID string, amount domain.Money, status domain.OrderStatus, capturedAt time.Time) (domain.ProductionOrder, error)
	// MarkEscrowReleased stamps escrow_released_at at most once; a second call reports a conflict.
	MarkEscrowReleased(ctx context.Context, orderID string, releasedAt time.Time) (domain.ProductionOrder, error)
	// MarkCancelled cancels an order unless escrow has already been released.
	MarkCancelled(ctx context.Context, orderID string, reason string, cancelledAt time.Time) (domain.ProductionOrder, error)
	// MarkOrderReceived confirms the order and locks out further price adjustments.
	MarkOrderReceived(ctx context.Context, orderID string, receivedAt time.Time) (domain.ProductionOrder, error)
	// ApplyApprovedPrice mutates final_price together with price_adjustment_used,
	// refusing when an adjustment was already applied historically.
	ApplyApprovedPrice(ctx context.Context, orderID string, newPrice domain.Money, appliedAt time.Time) (domain.ProductionOrder, error)
}

// ConsultationRepository persists the per-order consultation gate.
type ConsultationRepository interface {
	Insert(ctx context.Context, consultation domain.Consultation) error
	FindByID(ctx context.Context, consultationID string) (domain.Consultation, error)
	FindLatestByOrder(ctx context.Context, orderID string) (domain.Consultation, error)
	// Resolve moves a pending consultation to completed or waived; resolving a
	// non-pending consultation reports a conflict.
	Resolve(ctx context.Context, consultationID string, status domain.ConsultationStatus, resolvedAt time.Time, waivedBy *string) (domain.Consultation, error)
	// MarkTimedOut moves a pending consultation to timed_out and flags the customer decision.
	MarkTimedOut(ctx context.Context, consultationID string, timedOutAt time.Time, customerCanDecide bool) (domain.Consultation, error)
}

// PriceAdjustmentRepository persists provider-proposed price changes.
type PriceAdjustmentRepository interface {
	Insert(ctx context.Context, adjustment domain.PriceAdjustment) error
	FindByID(ctx context.Context, adjustmentID string) (domain.PriceAdjustment, error)
	FindPendingByOrder(ctx context.Context, orderID string) (domain.PriceAdjustment, error)
	// Resolve moves a pending adjustment to approved or rejected exactly once.
	Resolve(ctx context.Context, adjustmentID string, status domain.AdjustmentStatus, differenceCaptured bool, resolvedAt time.Time) (domain.PriceAdjustment, error)
}

// TimeoutRepository persists the append-only deadline records.
type TimeoutRepository interface {
	Insert(ctx context.Context, timeout domain.ConsultationTimeout) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.ConsultationTimeout, error)
	// StampExpired sets expired_at exactly once on the open timeout of the given type.
	StampExpired(ctx context.Context, orderID string, timeoutType domain.TimeoutType, actionTaken string, expiredAt time.Time) (domain.ConsultationTimeout, error)
	// ListOpenExpired returns unstamped timeouts whose deadline has passed, for the sweep.
	ListOpenExpired(ctx context.Context, now time.Time, limit int) ([]domain.ConsultationTimeout, error)
}

// TimelineRepository appends immutable audit events; rows are never updated or deleted.
type TimelineRepository interface {
	Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error)
	ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.TimelineEvent, error)
}

// WalletRepository records provider wallet credits created at escrow release.
type WalletRepository interface {
	InsertTransaction(ctx context.Context, tx domain.WalletTransaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.WalletTransaction, error)
}

// HealthRepository verifies the persistence layer is reachable.
type HealthRepository interface {
	Ping(ctx context.Context) error
}
