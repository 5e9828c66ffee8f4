package postgres

import (
	"context"

	domain "github.com/forgemarket/api/internal/domain"
)

const walletColumns = `id, user_id, order_id, amount, tx_type, status, reference, created_at`

// WalletRepository records wallet ledger entries in the wallet_transactions table.
type WalletRepository struct {
	db func(ctx context.Context) dbtx
}

// InsertTransaction stores a wallet credit or debit. A unique index on
// (order_id, tx_type) makes duplicate release credits a conflict.
func (r *WalletRepository) InsertTransaction(ctx context.Context, tx domain.WalletTransaction) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO wallet_transactions (`+walletColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.ID, tx.UserID, tx.OrderID, tx.Amount, tx.Type, tx.Status, tx.Reference, tx.CreatedAt,
	)
	return WrapError("postgres: insert wallet transaction", err)
}

// ListByUser returns a user's ledger entries, newest first.
func (r *WalletRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.WalletTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+walletColumns+` FROM wallet_transactions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, WrapError("postgres: list wallet transactions", err)
	}
	defer rows.Close()

	var txs []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.OrderID, &t.Amount, &t.Type, &t.Status, &t.Reference, &t.CreatedAt); err != nil {
			return nil, WrapError("postgres: list wallet transactions", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("postgres: list wallet transactions", err)
	}
	return txs, nil
}
