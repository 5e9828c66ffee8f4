package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/forgemarket/api/internal/domain"
)

const adjustmentColumns = `id, order_id, original_price, adjusted_price, adjustment_amount,
	adjustment_type, justification, status, response_deadline, difference_captured, resolved_at,
	created_at, updated_at`

// PriceAdjustmentRepository persists adjustments in the price_adjustments table.
// A partial unique index on (order_id) WHERE status = 'pending' backs the
// one-pending-per-order rule; Insert surfaces it as a conflict.
type PriceAdjustmentRepository struct {
	db func(ctx context.Context) dbtx
}

// Insert stores a new price adjustment row.
func (r *PriceAdjustmentRepository) Insert(ctx context.Context, a domain.PriceAdjustment) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO price_adjustments (`+adjustmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.OrderID, a.OriginalPrice, a.AdjustedPrice, a.AdjustmentAmount,
		a.Type, a.Justification, a.Status, a.ResponseDeadline, a.DifferenceCaptured, a.ResolvedAt,
		a.CreatedAt, a.UpdatedAt,
	)
	return WrapError("postgres: insert price adjustment", err)
}

// FindByID loads an adjustment by its identifier.
func (r *PriceAdjustmentRepository) FindByID(ctx context.Context, adjustmentID string) (domain.PriceAdjustment, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+adjustmentColumns+` FROM price_adjustments WHERE id = $1`, adjustmentID)
	a, err := scanAdjustment(row)
	if err != nil {
		return domain.PriceAdjustment{}, WrapError("postgres: find price adjustment", err)
	}
	return a, nil
}

// FindPendingByOrder returns the pending adjustment for an order when one exists.
func (r *PriceAdjustmentRepository) FindPendingByOrder(ctx context.Context, orderID string) (domain.PriceAdjustment, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+adjustmentColumns+` FROM price_adjustments
		 WHERE order_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		orderID, domain.AdjustmentStatusPending)
	a, err := scanAdjustment(row)
	if err != nil {
		return domain.PriceAdjustment{}, WrapError("postgres: find pending adjustment", err)
	}
	return a, nil
}

// Resolve moves a pending adjustment to approved or rejected exactly once.
func (r *PriceAdjustmentRepository) Resolve(ctx context.Context, adjustmentID string, status domain.AdjustmentStatus, differenceCaptured bool, resolvedAt time.Time) (domain.PriceAdjustment, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE price_adjustments
		 SET status = $2, difference_captured = $3, resolved_at = $4, updated_at = $4
		 WHERE id = $1 AND status = $5
		 RETURNING `+adjustmentColumns,
		adjustmentID, status, differenceCaptured, resolvedAt, domain.AdjustmentStatusPending)
	a, err := scanAdjustment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			var exists bool
			if scanErr := r.db(ctx).QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM price_adjustments WHERE id = $1)`, adjustmentID,
			).Scan(&exists); scanErr == nil && exists {
				return domain.PriceAdjustment{}, ConflictError("postgres: resolve adjustment", pgx.ErrNoRows)
			}
			return domain.PriceAdjustment{}, NotFoundError("postgres: resolve adjustment", pgx.ErrNoRows)
		}
		return domain.PriceAdjustment{}, WrapError("postgres: resolve adjustment", err)
	}
	return a, nil
}

func scanAdjustment(row pgx.Row) (domain.PriceAdjustment, error) {
	var a domain.PriceAdjustment
	err := row.Scan(
		&a.ID, &a.OrderID, &a.OriginalPrice, &a.AdjustedPrice, &a.AdjustmentAmount,
		&a.Type, &a.Justification, &a.Status, &a.ResponseDeadline, &a.DifferenceCaptured, &a.ResolvedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.PriceAdjustment{}, err
	}
	return a, nil
}
