package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/forgemarket/api/internal/domain"
)

const orderColumns = `id, customer_id, provider_id, provider_account_id, service_id, status,
	escrow_amount, final_price, refund_policy, payment_intent_id, escrow_captured_at, escrow_released_at,
	consultation_requested, consultation_required, consultation_waived, consultation_completed_at,
	consultation_timer_started_at, provider_response_deadline,
	price_adjustment_allowed, price_adjustment_used, customer_response_deadline,
	order_received_at, cancellation_reason, metadata, created_at, updated_at`

// OrderRepository persists production orders in the production_orders table.
type OrderRepository struct {
	db func(ctx context.Context) dbtx
}

// Insert stores a new production order row.
func (r *OrderRepository) Insert(ctx context.Context, order domain.ProductionOrder) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO production_orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		order.ID, order.CustomerID, order.ProviderID, order.ProviderAccountID, order.ServiceID, order.Status,
		order.EscrowAmount, order.FinalPrice, order.RefundPolicy, order.PaymentIntentID, order.EscrowCapturedAt, order.EscrowReleasedAt,
		order.ConsultationRequested, order.ConsultationRequired, order.ConsultationWaived, order.ConsultationCompletedAt,
		order.ConsultationTimerStartedAt, order.ProviderResponseDeadline,
		order.PriceAdjustmentAllowed, order.PriceAdjustmentUsed, order.CustomerResponseDeadline,
		order.OrderReceivedAt, order.CancellationReason, order.Metadata, order.CreatedAt, order.UpdatedAt,
	)
	return WrapError("postgres: insert order", err)
}

// Update rewrites the mutable order columns.
func (r *OrderRepository) Update(ctx context.Context, order domain.ProductionOrder) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE production_orders SET
			status = $2, escrow_amount = $3, final_price = $4, payment_intent_id = $5,
			escrow_captured_at = $6, escrow_released_at = $7,
			consultation_requested = $8, consultation_required = $9, consultation_waived = $10,
			consultation_completed_at = $11, consultation_timer_started_at = $12, provider_response_deadline = $13,
			price_adjustment_allowed = $14, price_adjustment_used = $15, customer_response_deadline = $16,
			order_received_at = $17, cancellation_reason = $18, metadata = $19, updated_at = $20
		 WHERE id = $1`,
		order.ID, order.Status, order.EscrowAmount, order.FinalPrice, order.PaymentIntentID,
		order.EscrowCapturedAt, order.EscrowReleasedAt,
		order.ConsultationRequested, order.ConsultationRequired, order.ConsultationWaived,
		order.ConsultationCompletedAt, order.ConsultationTimerStartedAt, order.ProviderResponseDeadline,
		order.PriceAdjustmentAllowed, order.PriceAdjustmentUsed, order.CustomerResponseDeadline,
		order.OrderReceivedAt, order.CancellationReason, order.Metadata, order.UpdatedAt,
	)
	if err != nil {
		return WrapError("postgres: update order", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError("postgres: update order", pgx.ErrNoRows)
	}
	return nil
}

// FindByID loads an order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.ProductionOrder, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM production_orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.ProductionOrder{}, WrapError("postgres: find order", err)
	}
	return order, nil
}

// MarkEscrowCaptured records the processor hold after a successful gateway call.
// The guard refuses a second capture against the same order.
func (r *OrderRepository) MarkEscrowCaptured(ctx context.Context, orderID string, intentID string, amount domain.Money, status domain.OrderStatus, capturedAt time.Time) (domain.ProductionOrder, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE production_orders
		 SET payment_intent_id = $2, escrow_amount = $3, escrow_captured_at = $4, status = $5, updated_at = $4
		 WHERE id = $1 AND escrow_captured_at IS NULL
		 RETURNING `+orderColumns,
		orderID, intentID, amount, capturedAt, status)
	order, err := scanOrder(row)
	if err != nil {
		return domain.ProductionOrder{}, guardError(ctx, r.db(ctx), "postgres: mark escrow captured", orderID, err)
	}
	return order, nil
}

// MarkEscrowReleased stamps escrow_released_at at most once.
func (r *OrderRepository) MarkEscrowReleased(ctx context.Context, orderID string, releasedAt time.Time) (domain.ProductionOrder, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE production_orders
		 SET escrow_released_at = $2, status = $3, updated_at = $2
		 WHERE id = $1 AND escrow_released_at IS NULL AND status <> $4
		 RETURNING `+orderColumns,
		orderID, releasedAt, domain.OrderStatusCompleted, domain.OrderStatusCancelled)
	order, err := scanOrder(row)
	if err != nil {
		return domain.ProductionOrder{}, guardError(ctx, r.db(ctx), "postgres: mark escrow released", orderID, err)
	}
	return order, nil
}

// MarkCancelled cancels the order unless escrow has already been released.
func (r *OrderRepository) MarkCancelled(ctx context.Context, orderID string, reason string, cancelledAt time.Time) (domain.ProductionOrder, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE production_orders
		 SET status = $3, cancellation_reason = $2, updated_at = $4
		 WHERE id = $1 AND escrow_released_at IS NULL AND status <> $3
		 RETURNING `+orderColumns,
		orderID, reason, domain.OrderStatusCancelled, cancelledAt)
	order, err := scanOrder(row)
	if err != nil {
		return domain.ProductionOrder{}, guardError(ctx, r.db(ctx), "postgres: mark cancelled", orderID, err)
	}
	return order, nil
}

// MarkOrderReceived confirms the order and locks out further price adjustments.
func (r *OrderRepository) MarkOrderReceived(ctx context.Context, orderID string, receivedAt time.Time) (domain.ProductionOrder, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE production_orders
		 SET status = $2, order_received_at = $3, price_adjustment_allowed = FALSE, updated_at = $3
		 WHERE id = $1 AND status = $4
		 RETURNING `+orderColumns,
		orderID, domain.OrderStatusOrderReceived, receivedAt, domain.OrderStatusPendingOrderReceived)
	order, err := scanOrder(row)
	if err != nil {
		return domain.ProductionOrder{}, guardError(ctx, r.db(ctx), "postgres: mark order received", orderID, err)
	}
	return order, nil
}

// ApplyApprovedPrice mutates final_price together with price_adjustment_used.
// A second application is refused by the guard.
func (r *OrderRepository) ApplyApprovedPrice(ctx context.Context, orderID string, newPrice domain.Money, appliedAt time.Time) (domain.ProductionOrder, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE production_orders
		 SET final_price = $2, escrow_amount = $2, price_adjustment_used = TRUE, updated_at = $3
		 WHERE id = $1 AND price_adjustment_used = FALSE
		 RETURNING `+orderColumns,
		orderID, newPrice, appliedAt)
	order, err := scanOrder(row)
	if err != nil {
		return domain.ProductionOrder{}, guardError(ctx, r.db(ctx), "postgres: apply approved price", orderID, err)
	}
	return order, nil
}

// guardError distinguishes a missing row from a violated guard on conditional updates.
func guardError(ctx context.Context, db dbtx, op string, orderID string, err error) error {
	if err != pgx.ErrNoRows {
		return WrapError(op, err)
	}
	var exists bool
	if scanErr := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM production_orders WHERE id = $1)`, orderID).Scan(&exists); scanErr == nil && exists {
		return ConflictError(op, pgx.ErrNoRows)
	}
	return NotFoundError(op, pgx.ErrNoRows)
}

func scanOrder(row pgx.Row) (domain.ProductionOrder, error) {
	var o domain.ProductionOrder
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.ProviderID, &o.ProviderAccountID, &o.ServiceID, &o.Status,
		&o.EscrowAmount, &o.FinalPrice, &o.RefundPolicy, &o.PaymentIntentID, &o.EscrowCapturedAt, &o.EscrowReleasedAt,
		&o.ConsultationRequested, &o.ConsultationRequired, &o.ConsultationWaived, &o.ConsultationCompletedAt,
		&o.ConsultationTimerStartedAt, &o.ProviderResponseDeadline,
		&o.PriceAdjustmentAllowed, &o.PriceAdjustmentUsed, &o.CustomerResponseDeadline,
		&o.OrderReceivedAt, &o.CancellationReason, &o.Metadata, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.ProductionOrder{}, err
	}
	return o, nil
}
