package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgemarket/api/internal/repositories"
)

type txContextKey struct{}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry bundles the Postgres repositories over a shared connection pool.
type Registry struct {
	pool *pgxpool.Pool

	orders        *OrderRepository
	consultations *ConsultationRepository
	adjustments   *PriceAdjustmentRepository
	timeouts      *TimeoutRepository
	timeline      *TimelineRepository
	wallets       *WalletRepository
	health        *HealthRepository
}

// NewRegistry constructs the repository registry over the supplied pool.
func NewRegistry(pool *pgxpool.Pool) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	r := &Registry{pool: pool}
	r.orders = &OrderRepository{db: r.querier}
	r.consultations = &ConsultationRepository{db: r.querier}
	r.adjustments = &PriceAdjustmentRepository{db: r.querier}
	r.timeouts = &TimeoutRepository{db: r.querier}
	r.timeline = &TimelineRepository{db: r.querier}
	r.wallets = &WalletRepository{db: r.querier}
	r.health = &HealthRepository{pool: pool}
	return r, nil
}

// Close releases the underlying pool.
func (r *Registry) Close(context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	r.pool.Close()
	return nil
}

// Orders returns the production order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Consultations returns the consultation repository.
func (r *Registry) Consultations() repositories.ConsultationRepository { return r.consultations }

// Adjustments returns the price adjustment repository.
func (r *Registry) Adjustments() repositories.PriceAdjustmentRepository { return r.adjustments }

// Timeouts returns the deadline record repository.
func (r *Registry) Timeouts() repositories.TimeoutRepository { return r.timeouts }

// Timeline returns the audit event repository.
func (r *Registry) Timeline() repositories.TimelineRepository { return r.timeline }

// Wallets returns the wallet transaction repository.
func (r *Registry) Wallets() repositories.WalletRepository { return r.wallets }

// Health returns the health check repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a single database transaction. Nested calls reuse
// the transaction already carried on the context.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.pool == nil {
		return errors.New("postgres: registry is not initialised")
	}
	if _, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return WrapError("postgres: begin tx", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return WrapError("postgres: commit tx", err)
	}
	return nil
}

// querier resolves the pool or the ambient transaction from the context.
func (r *Registry) querier(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// HealthRepository pings the database.
type HealthRepository struct {
	pool *pgxpool.Pool
}

// Ping verifies database connectivity.
func (h *HealthRepository) Ping(ctx context.Context) error {
	if h == nil || h.pool == nil {
		return errors.New("postgres: health repository is not initialised")
	}
	return WrapError("postgres: ping", h.pool.Ping(ctx))
}
