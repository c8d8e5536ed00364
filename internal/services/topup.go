package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wallet-ledger/internal/auth"
	"wallet-ledger/internal/models"
	"wallet-ledger/internal/money"
	"wallet-ledger/internal/repositories/postgresrepo"
)

// Topup increases the caller's wallet balance. The idempotency key is
// optional: when supplied, a retried request replays the stored result
// instead of mutating the ledger again.
func (s *LedgerService) Topup(ctx context.Context, sub auth.Subject, amount money.Amount, key string) (*models.OperationResult, error) {
	started := time.Now()

	if amount <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", money.ErrInvalidAmount)
	}

	if key != "" {
		rec, err := s.idemRepo.Get(ctx, key)
		if err == nil {
			return s.replay(rec)
		}
		if !errors.Is(err, postgresrepo.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
		}
	}

	var (
		result *models.OperationResult
		err    error
	)
	if s.atomicTx {
		result, err = s.topupAtomic(ctx, sub, amount.Minor(), key)
	} else {
		result, err = s.topupFallback(ctx, sub, amount.Minor(), key)
	}
	if err != nil {
		s.metrics.ObserveOperation("topup", "error", time.Since(started))
		return nil, err
	}

	s.invalidateWalletCache(sub.ID)
	s.publishTransaction(result.Transaction)
	s.metrics.ObserveOperation("topup", "ok", time.Since(started))
	s.logger.Info("topup completed",
		zap.String("tx_id", result.Transaction.ID),
		zap.Int64("amount_minor", result.Transaction.Amount),
	)

	return result, nil
}

func (s *LedgerService) topupAtomic(ctx context.Context, sub auth.Subject, amount int64, key string) (*models.OperationResult, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	wallet, err := tx.LockWalletByUser(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, postgresrepo.ErrWalletNotFound) {
			return nil, postgresrepo.ErrWalletNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
	}

	if err := tx.UpdateBalance(ctx, wallet.ID, wallet.Balance+amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
	}

	txRecord := s.newTransaction(models.TxTypeTopup, nil, &wallet.ID, amount, wallet.Currency)
	if err := tx.CreateTransaction(ctx, &txRecord); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
	}

	result := &models.OperationResult{
		Message:     models.MessageTopupCompleted,
		Transaction: txRecord,
	}

	if key != "" {
		rec, err := s.newIdempotencyRecord(key, sub.ID, result)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
		}
		if err := tx.PutIdempotency(ctx, rec); err != nil {
			if errors.Is(err, postgresrepo.ErrDuplicateKey) {
				// A concurrent request with the same key won the race.
				// Abandon our scope and return the stored result instead.
				_ = tx.Rollback()
				return s.replayAfterConflict(ctx, key)
			}
			return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
	}

	return result, nil
}

// topupFallback completes a topup when the store cannot guarantee
// multi-record atomic commits: a single atomic balance increment, followed by
// best-effort creation of the transaction and idempotency records.
func (s *LedgerService) topupFallback(ctx context.Context, sub auth.Subject, amount int64, key string) (*models.OperationResult, error) {
	wallet, err := s.store.GetWalletByUser(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, postgresrepo.ErrWalletNotFound) {
			return nil, postgresrepo.ErrWalletNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
	}

	if err := s.store.Credit(ctx, wallet.ID, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
	}

	txRecord := s.newTransaction(models.TxTypeTopup, nil, &wallet.ID, amount, wallet.Currency)
	if err := s.store.CreateTransaction(ctx, &txRecord); err != nil {
		// The balance increment is already durable. Keep the operation
		// successful and leave the missing record to reconciliation.
		s.logger.Error("fallback topup recorded no transaction",
			zap.String("wallet_id", wallet.ID),
			zap.Int64("amount_minor", amount),
			zap.Error(err),
		)
	}

	result := &models.OperationResult{
		Message:     models.MessageTopupCompleted,
		Transaction: txRecord,
	}

	if key != "" {
		if replayed, err := s.putFallbackIdempotency(ctx, key, sub.ID, result); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTopupFailed, err)
		} else if replayed != nil {
			return replayed, nil
		}
	}

	return result, nil
}

// putFallbackIdempotency stores the result outside any transactional scope.
// A duplicate key means a concurrent request won; its stored result is
// returned so the caller still sees exactly one outcome.
func (s *LedgerService) putFallbackIdempotency(ctx context.Context, key, userID string, result *models.OperationResult) (*models.OperationResult, error) {
	rec, err := s.newIdempotencyRecord(key, userID, result)
	if err != nil {
		return nil, err
	}
	if err := s.idemRepo.Put(ctx, rec); err != nil {
		if errors.Is(err, postgresrepo.ErrDuplicateKey) {
			return s.replayAfterConflict(ctx, key)
		}
		s.logger.Error("fallback idempotency record not written",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil, nil
}

// replayAfterConflict re-reads the record that beat us to the key. The
// store's uniqueness constraint only fires once the winning write is
// visible, so the read is expected to succeed.
func (s *LedgerService) replayAfterConflict(ctx context.Context, key string) (*models.OperationResult, error) {
	rec, err := s.idemRepo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency key conflict not resolvable: %w", ErrTransactionAborted, err)
	}
	return s.replay(rec)
}

func (s *LedgerService) newTransaction(txType string, from, to *string, amount int64, currency string) models.Transaction {
	if currency == "" {
		currency = s.currency
	}
	now := time.Now().UTC()
	return models.Transaction{
		ID:           uuid.New().String(),
		Type:         txType,
		FromWalletID: from,
		ToWalletID:   to,
		Amount:       amount,
		Currency:     currency,
		Status:       models.TxStatusCompleted,
		CreatedAt:    now,
		CompletedAt:  &now,
	}
}
