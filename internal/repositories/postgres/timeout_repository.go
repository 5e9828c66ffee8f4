package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/forgemarket/api/internal/domain"
)

const timeoutColumns = `id, order_id, consultation_id, timeout_type, action_taken, deadline_at, expired_at, created_at`

// TimeoutRepository persists deadline records in the consultation_timeouts table.
type TimeoutRepository struct {
	db func(ctx context.Context) dbtx
}

// Insert stores a new timeout record.
func (r *TimeoutRepository) Insert(ctx context.Context, t domain.ConsultationTimeout) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO consultation_timeouts (`+timeoutColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.OrderID, t.ConsultationID, t.Type, t.ActionTaken, t.DeadlineAt, t.ExpiredAt, t.CreatedAt,
	)
	return WrapError("postgres: insert timeout", err)
}

// ListByOrder returns all timeout records for an order, newest first.
func (r *TimeoutRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.ConsultationTimeout, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+timeoutColumns+` FROM consultation_timeouts
		 WHERE order_id = $1 ORDER BY created_at DESC`, orderID)
	if err != nil {
		return nil, WrapError("postgres: list timeouts", err)
	}
	defer rows.Close()

	var timeouts []domain.ConsultationTimeout
	for rows.Next() {
		t, err := scanTimeout(rows)
		if err != nil {
			return nil, WrapError("postgres: list timeouts", err)
		}
		timeouts = append(timeouts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("postgres: list timeouts", err)
	}
	return timeouts, nil
}

// StampExpired sets expired_at exactly once on the newest open timeout of the given type.
func (r *TimeoutRepository) StampExpired(ctx context.Context, orderID string, timeoutType domain.TimeoutType, actionTaken string, expiredAt time.Time) (domain.ConsultationTimeout, error) {
	row := r.db(ctx).QueryRow(ctx,
		`UPDATE consultation_timeouts
		 SET expired_at = $3, action_taken = $4
		 WHERE id = (
			SELECT id FROM consultation_timeouts
			WHERE order_id = $1 AND timeout_type = $2 AND expired_at IS NULL
			ORDER BY created_at DESC LIMIT 1
		 )
		 RETURNING `+timeoutColumns,
		orderID, timeoutType, expiredAt, actionTaken)
	t, err := scanTimeout(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ConsultationTimeout{}, NotFoundError("postgres: stamp timeout", pgx.ErrNoRows)
		}
		return domain.ConsultationTimeout{}, WrapError("postgres: stamp timeout", err)
	}
	return t, nil
}

// ListOpenExpired returns unstamped timeouts whose deadline has passed, oldest first.
func (r *TimeoutRepository) ListOpenExpired(ctx context.Context, now time.Time, limit int) ([]domain.ConsultationTimeout, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+timeoutColumns+` FROM consultation_timeouts
		 WHERE expired_at IS NULL AND deadline_at <= $1
		 ORDER BY deadline_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, WrapError("postgres: list open expired timeouts", err)
	}
	defer rows.Close()

	var timeouts []domain.ConsultationTimeout
	for rows.Next() {
		t, err := scanTimeout(rows)
		if err != nil {
			return nil, WrapError("postgres: list open expired timeouts", err)
		}
		timeouts = append(timeouts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("postgres: list open expired timeouts", err)
	}
	return timeouts, nil
}

func scanTimeout(row pgx.Row) (domain.ConsultationTimeout, error) {
	var t domain.ConsultationTimeout
	err := row.Scan(&t.ID, &t.OrderID, &t.ConsultationID, &t.Type, &t.ActionTaken, &t.DeadlineAt, &t.ExpiredAt, &t.CreatedAt)
	if err != nil {
		return domain.ConsultationTimeout{}, err
	}
	return t, nil
}
