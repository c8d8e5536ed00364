package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"wallet-ledger/internal/models"
)

var ErrDuplicateKey = errors.New("idempotency key already exists")

type TxLedgerRepo struct {
	tx *sqlx.Tx
}

func NewTxLedgerRepo(tx *sqlx.Tx) *TxLedgerRepo {
	return &TxLedgerRepo{tx: tx}
}

func (r *TxLedgerRepo) Commit() error {
	return r.tx.Commit()
}

func (r *TxLedgerRepo) Rollback() error {
	return r.tx.Rollback()
}

// GetWalletIDByUser resolves a user's wallet ID without taking a lock.
// Used to establish a deterministic lock order before LockWalletByID.
func (r *TxLedgerRepo) GetWalletIDByUser(ctx context.Context, userID string) (string, error) {
	var walletID string
	query := `SELECT id FROM wallets WHERE user_id = $1`
	err := r.tx.GetContext(ctx, &walletID, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrWalletNotFound
		}
		return "", fmt.Errorf("failed to resolve wallet: %w", err)
	}
	return walletID, nil
}

// LockWalletByID loads a wallet under FOR UPDATE so the balance check and the
// mutation are linearized against all concurrent mutations of the same row.
func (r *TxLedgerRepo) LockWalletByID(ctx context.Context, walletID string) (*models.Wallet, error) {
	var wallet models.Wallet
	query := `SELECT id, user_id, balance, reserved, currency, updated_at FROM wallets WHERE id = $1 FOR UPDATE`
	err := r.tx.GetContext(ctx, &wallet, query, walletID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &wallet, nil
}

// LockWalletByUser loads a user's wallet under FOR UPDATE.
func (r *TxLedgerRepo) LockWalletByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	query := `SELECT id, user_id, balance, reserved, currency, updated_at FROM wallets WHERE user_id = $1 FOR UPDATE`
	err := r.tx.GetContext(ctx, &wallet, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &wallet, nil
}

func (r *TxLedgerRepo) UpdateBalance(ctx context.Context, walletID string, balance int64) error {
	query := `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.tx.ExecContext(ctx, query, balance, walletID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrWalletNotFound
	}

	return nil
}

func (r *TxLedgerRepo) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, type, from_wallet, to_wallet, amount, currency, status, metadata, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, '{}'::jsonb), $9, $10)
	`

	_, err := r.tx.ExecContext(ctx, query,
		tx.ID, tx.Type, tx.FromWalletID, tx.ToWalletID,
		tx.Amount, tx.Currency, tx.Status, []byte(tx.Metadata),
		tx.CreatedAt, tx.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// PutIdempotency writes the idempotency record inside the transactional
// scope, so the cached response becomes visible atomically with the
// mutation it describes. The key's uniqueness constraint is the final
// arbiter of concurrent requests racing on the same key.
func (r *TxLedgerRepo) PutIdempotency(ctx context.Context, rec *models.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (key, user_id, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.tx.ExecContext(ctx, query,
		rec.Key, rec.UserID, []byte(rec.Result), rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to put idempotency record: %w", err)
	}

	return nil
}
