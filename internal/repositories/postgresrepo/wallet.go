package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"wallet-ledger/internal/models"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}

type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// BeginTx starts a transaction and returns a transactional repository
func (r *LedgerRepository) BeginTx(ctx context.Context) (*TxLedgerRepo, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return NewTxLedgerRepo(tx), nil
}

// GetWalletByUser gets the wallet owned by a user
func (r *LedgerRepository) GetWalletByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet

	query := `SELECT id, user_id, balance, reserved, currency, updated_at FROM wallets WHERE user_id = $1`

	err := r.db.GetContext(ctx, &wallet, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet from postgres: %w", err)
	}

	return &wallet, nil
}

// GetWalletByID gets a wallet by its ID
func (r *LedgerRepository) GetWalletByID(ctx context.Context, walletID string) (*models.Wallet, error) {
	var wallet models.Wallet

	query := `SELECT id, user_id, balance, reserved, currency, updated_at FROM wallets WHERE id = $1`

	err := r.db.GetContext(ctx, &wallet, query, walletID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet from postgres: %w", err)
	}

	return &wallet, nil
}

// GetUser gets the registration collaborator's user projection
func (r *LedgerRepository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User

	query := `SELECT id, name, email FROM users WHERE id = $1`

	err := r.db.GetContext(ctx, &user, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user from postgres: %w", err)
	}

	return &user, nil
}

// GetWalletIDByEmail resolves a wallet ID through the owner's email
func (r *LedgerRepository) GetWalletIDByEmail(ctx context.Context, email string) (string, error) {
	var walletID string

	query := `
		SELECT w.id
		FROM wallets w
		JOIN users u ON u.id = w.user_id
		WHERE u.email = $1
	`

	err := r.db.GetContext(ctx, &walletID, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrWalletNotFound
		}
		return "", fmt.Errorf("failed to resolve wallet by email: %w", err)
	}

	return walletID, nil
}

// DebitIfSufficient atomically decrements a wallet balance only when the
// current balance covers the amount. Used by the degraded-mode path; the
// predicate makes the funds check and the debit a single conditional write.
func (r *LedgerRepository) DebitIfSufficient(ctx context.Context, walletID string, amount int64) error {
	query := `
		UPDATE wallets
		SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1
	`

	result, err := r.db.ExecContext(ctx, query, amount, walletID)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		exists, err := r.walletExists(ctx, walletID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrWalletNotFound
		}
		return ErrInsufficientFunds
	}

	return nil
}

// Credit atomically increments a wallet balance. Used by the degraded-mode
// path, both for the receiver credit and the compensating re-credit.
func (r *LedgerRepository) Credit(ctx context.Context, walletID string, amount int64) error {
	query := `
		UPDATE wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.ExecContext(ctx, query, amount, walletID)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
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

func (r *LedgerRepository) walletExists(ctx context.Context, walletID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM wallets WHERE id = $1)`

	err := r.db.GetContext(ctx, &exists, query, walletID)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet existence: %w", err)
	}

	return exists, nil
}
