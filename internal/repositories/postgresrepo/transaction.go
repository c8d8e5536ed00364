package postgresrepo

import (
	"context"
	"fmt"

	"wallet-ledger/internal/models"
)

// CreateTransaction appends a transaction record outside any transactional
// scope. The degraded-mode path uses it after the balance writes are durable.
func (r *LedgerRepository) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, type, from_wallet, to_wallet, amount, currency, status, metadata, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, '{}'::jsonb), $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.Type, tx.FromWalletID, tx.ToWalletID,
		tx.Amount, tx.Currency, tx.Status, []byte(tx.Metadata),
		tx.CreatedAt, tx.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// ListTransactionsByWallet returns the wallet's transaction log, newest first.
func (r *LedgerRepository) ListTransactionsByWallet(ctx context.Context, walletID string, limit int) ([]models.Transaction, error) {
	query := `
		SELECT id, type, from_wallet, to_wallet, amount, currency, status, metadata, created_at, completed_at
		FROM transactions
		WHERE from_wallet = $1 OR to_wallet = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var transactions []models.Transaction
	err := r.db.SelectContext(ctx, &transactions, query, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	return transactions, nil
}
