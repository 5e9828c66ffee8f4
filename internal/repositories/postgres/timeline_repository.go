package postgres

import (
	"context"

	domain "github.com/forgemarket/api/internal/domain"
)

const timelineColumns = `id, order_id, event_type, description, metadata, created_at`

// TimelineRepository appends audit events to the production_timeline_events table.
// The table is insert-only; no update or delete statements exist here.
type TimelineRepository struct {
	db func(ctx context.Context) dbtx
}

// Append stores a new timeline event.
func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error) {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO production_timeline_events (`+timelineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.OrderID, event.Type, event.Description, event.Metadata, event.CreatedAt,
	)
	if err != nil {
		return domain.TimelineEvent{}, WrapError("postgres: append timeline event", err)
	}
	return event, nil
}

// ListByOrder returns the order history, newest first.
func (r *TimelineRepository) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+timelineColumns+` FROM production_timeline_events
		 WHERE order_id = $1 ORDER BY created_at DESC LIMIT $2`, orderID, limit)
	if err != nil {
		return nil, WrapError("postgres: list timeline events", err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.Description, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, WrapError("postgres: list timeline events", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("postgres: list timeline events", err)
	}
	return events, nil
}
