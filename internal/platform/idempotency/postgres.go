package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists idempotency records in the idempotency_records table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed idempotency store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("idempotency: pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Reserve implements the Store interface.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := compositeKey(key, fingerprint)
	expires := now.Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (id, idem_key, fingerprint, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    status = EXCLUDED.status,
		    response_status = NULL,
		    response_headers = NULL,
		    response_body = NULL,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= $5`,
		id, key, fingerprint, string(StatusPending), now, expires)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve key: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return Reservation{
			State: ReservationStateNew,
			Record: Record{
				Key:         key,
				Fingerprint: fingerprint,
				Status:      StatusPending,
				CreatedAt:   now,
				UpdatedAt:   now,
				ExpiresAt:   expires,
			},
		}, nil
	}

	record, err := s.fetch(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// SaveResponse implements the Store interface.
func (s *PostgresStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := compositeKey(key, fingerprint)

	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $2,
		    response_status = $3,
		    response_headers = $4,
		    response_body = $5,
		    updated_at = $6,
		    expires_at = $7
		WHERE id = $1 AND fingerprint = $8`,
		id, string(StatusCompleted), resp.Status, sanitizeHeaders(resp.Headers), resp.Body, now, now.Add(ttl), fingerprint)
	if err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release implements the Store interface. It drops a pending reservation so the
// key can be retried after a handler failure.
func (s *PostgresStore) Release(ctx context.Context, key, fingerprint string) error {
	id := compositeKey(key, fingerprint)
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE id = $1 AND fingerprint = $2 AND status = $3`,
		id, fingerprint, string(StatusPending))
	if err != nil {
		return fmt.Errorf("idempotency: release key: %w", err)
	}
	return nil
}

// CleanupExpired implements the Store interface.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE id IN (
			SELECT id FROM idempotency_records
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)`, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) fetch(ctx context.Context, id string) (Record, error) {
	var (
		record  Record
		status  string
		respSt  *int
		headers map[string][]string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT idem_key, fingerprint, status, response_status, response_headers, response_body,
		       created_at, updated_at, expires_at
		FROM idempotency_records
		WHERE id = $1`, id).Scan(
		&record.Key, &record.Fingerprint, &status, &respSt, &headers, &record.ResponseBody,
		&record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("idempotency: record vanished during reservation")
	}
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: load record: %w", err)
	}
	record.Status = Status(status)
	if respSt != nil {
		record.ResponseStatus = *respSt
	}
	record.ResponseHeaders = headers
	return record, nil
}

var _ Store = (*PostgresStore)(nil)
