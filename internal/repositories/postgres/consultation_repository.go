package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/forgemarket/api/internal/domain"
)

const consultationColumns = `id, order_id, status, requested_by, scheduled_at, notes,
	timeout_at, completed_at, waived_by, customer_can_decide, created_at, updated_at`

// ConsultationRepository persists consultations in the custom_service_consultations table.
type ConsultationRepository struct {
	db func(ctx context.Context) dbtx
}

// Insert stores a new consultation row.
func (r *ConsultationRepository) Insert(ctx context.Context, c domain.Consultation) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO custom_service_consultations (`+consultationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.OrderID, c.Status, c.RequestedBy, c.ScheduledAt, c.Notes,
		c.TimeoutAt, c.CompletedAt, c.WaivedBy, c.CustomerCanDecide, c.CreatedAt, c.UpdatedAt,
	)
	return WrapError("postgres: insert consultation", err)
}

// FindByID loads a consultation by its identifier.
func (r *ConsultationRepository) FindByID(ctx context.Context, consultationID string) (domain.Consultation, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+consultationColumns+` FROM custom_service_consultations WHERE id = $1`, consultationID)
	c, err := scanConsultation(row)
	if err != nil {
		return domain.Consultation{}, WrapError("postgres: find consultation", err)
	}
	return c, nil
}

// FindLatestByOrder returns the most recent consultation for an order.
func (r *ConsultationRepository) FindLatestByOrder(ctx context.Context, orderID string) (domain.Consultation, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+consultationColumns+` FROM custom_service_consultations
		 WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
	c, err := scanConsultation(row)
	if err != nil {
		return domain.Consultation{}, WrapError("postgres: find latest consultation", err)
	}
	return c, nil
}

// Resolve moves a pending consultation to completed or waived in one statement.
func (r *ConsultationRepository) Resolve(ctx context.Context, consultationID string, status domain.ConsultationStatus, resolvedAt time.Time, waivedBy *string) (domain.Consultation, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE custom_service_consultations
		 SET status = $2, completed_at = $3, waived_by = $4, updated_at = $3
		 WHERE id = $1 AND status = $5
		 RETURNING `+consultationColumns,
		consultationID, status, resolvedAt, waivedBy, domain.ConsultationStatusPending)
	c, err := scanConsultation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Consultation{}, r.pendingGuardError(ctx, "postgres: resolve consultation", consultationID)
		}
		return domain.Consultation{}, WrapError("postgres: resolve consultation", err)
	}
	return c, nil
}

// MarkTimedOut moves a pending consultation to timed_out and flags the customer decision.
func (r *ConsultationRepository) MarkTimedOut(ctx context.Context, consultationID string, timedOutAt time.Time, customerCanDecide bool) (domain.Consultation, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE custom_service_consultations
		 SET status = $2, customer_can_decide = $3, updated_at = $4
		 WHERE id = $1 AND status = $5
		 RETURNING `+consultationColumns,
		consultationID, domain.ConsultationStatusTimedOut, customerCanDecide, timedOutAt, domain.ConsultationStatusPending)
	c, err := scanConsultation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Consultation{}, r.pendingGuardError(ctx, "postgres: mark consultation timed out", consultationID)
		}
		return domain.Consultation{}, WrapError("postgres: mark consultation timed out", err)
	}
	return c, nil
}

func (r *ConsultationRepository) pendingGuardError(ctx context.Context, op string, consultationID string) error {
	var exists bool
	if err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM custom_service_consultations WHERE id = $1)`, consultationID,
	).Scan(&exists); err == nil && exists {
		return ConflictError(op, pgx.ErrNoRows)
	}
	return NotFoundError(op, pgx.ErrNoRows)
}

func scanConsultation(row pgx.Row) (domain.Consultation, error) {
	var c domain.Consultation
	err := row.Scan(
		&c.ID, &c.OrderID, &c.Status, &c.RequestedBy, &c.ScheduledAt, &c.Notes,
		&c.TimeoutAt, &c.CompletedAt, &c.WaivedBy, &c.CustomerCanDecide, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Consultation{}, err
	}
	return c, nil
}
