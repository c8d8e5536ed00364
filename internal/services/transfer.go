package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wallet-ledger/internal/auth"
	"wallet-ledger/internal/models"
	"wallet-ledger/internal/money"
	"wallet-ledger/internal/repositories/postgresrepo"
)

// Transfer moves value from the caller's wallet to another wallet. The
// idempotency key is mandatory: a retried request must never move money
// twice, so the stored result is replayed verbatim regardless of current
// wallet state.
func (s *LedgerService) Transfer(ctx context.Context, sub auth.Subject, toWalletID string, amount money.Amount, key string) (*models.OperationResult, error) {
	started := time.Now()

	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", money.ErrInvalidAmount)
	}

	rec, err := s.idemRepo.Get(ctx, key)
	if err == nil {
		return s.replay(rec)
	}
	if !errors.Is(err, postgresrepo.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}

	var result *models.OperationResult
	if s.atomicTx {
		result, err = s.transferAtomic(ctx, sub, toWalletID, amount.Minor(), key)
	} else {
		result, err = s.transferFallback(ctx, sub, toWalletID, amount.Minor(), key)
	}
	if err != nil {
		s.metrics.ObserveOperation("transfer", "error", time.Since(started))
		return nil, err
	}

	s.invalidateWalletCache(sub.ID)
	if owner := result.Transaction.ToWalletID; owner != nil {
		if receiver, err := s.store.GetWalletByID(ctx, *owner); err == nil {
			s.invalidateWalletCache(receiver.UserID)
		}
	}
	s.publishTransaction(result.Transaction)
	s.metrics.ObserveOperation("transfer", "ok", time.Since(started))
	s.logger.Info("transfer completed",
		zap.String("tx_id", result.Transaction.ID),
		zap.Int64("amount_minor", result.Transaction.Amount),
	)

	return result, nil
}

func (s *LedgerService) transferAtomic(ctx context.Context, sub auth.Subject, toWalletID string, amount int64, key string) (*models.OperationResult, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	fromWalletID, err := tx.GetWalletIDByUser(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, postgresrepo.ErrWalletNotFound) {
			return nil, ErrSenderWalletNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	if fromWalletID == toWalletID {
		return nil, ErrSelfTransfer
	}

	sender, receiver, err := s.lockTransferWallets(ctx, tx, fromWalletID, toWalletID)
	if err != nil {
		return nil, err
	}

	if sender.Balance < amount {
		return nil, postgresrepo.ErrInsufficientFunds
	}

	if err := tx.UpdateBalance(ctx, sender.ID, sender.Balance-amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	if err := tx.UpdateBalance(ctx, receiver.ID, receiver.Balance+amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}

	txRecord := s.newTransaction(models.TxTypeTransfer, &sender.ID, &receiver.ID, amount, sender.Currency)
	if err := tx.CreateTransaction(ctx, &txRecord); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}

	result := &models.OperationResult{
		Message:     models.MessageTransferCompleted,
		Transaction: txRecord,
	}

	rec, err := s.newIdempotencyRecord(key, sub.ID, result)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	if err := tx.PutIdempotency(ctx, rec); err != nil {
		if errors.Is(err, postgresrepo.ErrDuplicateKey) {
			_ = tx.Rollback()
			return s.replayAfterConflict(ctx, key)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}

	return result, nil
}

// lockTransferWallets acquires both wallet row locks in wallet-ID order so
// two opposing transfers cannot deadlock.
func (s *LedgerService) lockTransferWallets(ctx context.Context, tx LedgerTx, fromWalletID, toWalletID string) (sender, receiver *models.Wallet, err error) {
	firstID, secondID := fromWalletID, toWalletID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}

	first, err := tx.LockWalletByID(ctx, firstID)
	if err != nil {
		return nil, nil, s.mapTransferLockError(err, firstID == fromWalletID)
	}
	second, err := tx.LockWalletByID(ctx, secondID)
	if err != nil {
		return nil, nil, s.mapTransferLockError(err, secondID == fromWalletID)
	}

	if first.ID == fromWalletID {
		return first, second, nil
	}
	return second, first, nil
}

func (s *LedgerService) mapTransferLockError(err error, isSender bool) error {
	if errors.Is(err, postgresrepo.ErrWalletNotFound) {
		if isSender {
			return ErrSenderWalletNotFound
		}
		return ErrReceiverWalletNotFound
	}
	return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
}

// Degraded-mode transfer states. Each transition is a single atomic store
// write, so the protocol can be reasoned about as a short saga:
// Debited -> Credited -> Recorded on success, Debited -> CompensationPending
// -> Reverted when the receiver turns out not to exist.
type transferState int

const (
	transferStarted transferState = iota
	transferDebited
	transferCompensationPending
	transferReverted
	transferCredited
	transferRecorded
)

func (st transferState) String() string {
	switch st {
	case transferStarted:
		return "started"
	case transferDebited:
		return "debited"
	case transferCompensationPending:
		return "compensation_pending"
	case transferReverted:
		return "reverted"
	case transferCredited:
		return "credited"
	case transferRecorded:
		return "recorded"
	default:
		return "unknown"
	}
}

// transferFallback approximates atomicity with compensating actions when the
// store cannot commit both balances and the records in one scope.
func (s *LedgerService) transferFallback(ctx context.Context, sub auth.Subject, toWalletID string, amount int64, key string) (*models.OperationResult, error) {
	sender, err := s.store.GetWalletByUser(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, postgresrepo.ErrWalletNotFound) {
			return nil, ErrSenderWalletNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	if sender.ID == toWalletID {
		return nil, ErrSelfTransfer
	}

	// Debit only if the current balance covers the amount; the conditional
	// write is the funds check.
	if err := s.store.DebitIfSufficient(ctx, sender.ID, amount); err != nil {
		switch {
		case errors.Is(err, postgresrepo.ErrInsufficientFunds):
			return nil, postgresrepo.ErrInsufficientFunds
		case errors.Is(err, postgresrepo.ErrWalletNotFound):
			return nil, ErrSenderWalletNotFound
		default:
			return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
		}
	}
	state := transferDebited

	creditErr := s.store.Credit(ctx, toWalletID, amount)
	if creditErr != nil {
		// The sender has been debited with nothing credited. Revert the
		// debit so the net effect is zero for both parties.
		state = transferCompensationPending
		if compErr := s.store.Credit(ctx, sender.ID, amount); compErr != nil {
			s.metrics.Compensation("failed")
			s.logger.Error("transfer compensation failed, funds in flight",
				zap.Stringer("state", state),
				zap.String("sender_wallet_id", sender.ID),
				zap.String("receiver_wallet_id", toWalletID),
				zap.Int64("amount_minor", amount),
				zap.NamedError("credit_error", creditErr),
				zap.NamedError("compensation_error", compErr),
			)
			return nil, fmt.Errorf("%w: %w", ErrCompensationFailed, compErr)
		}
		state = transferReverted
		s.metrics.Compensation("reverted")
		s.logger.Warn("transfer debit reverted",
			zap.Stringer("state", state),
			zap.String("sender_wallet_id", sender.ID),
			zap.String("receiver_wallet_id", toWalletID),
			zap.Int64("amount_minor", amount),
		)

		if errors.Is(creditErr, postgresrepo.ErrWalletNotFound) {
			return nil, ErrReceiverWalletNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, creditErr)
	}
	state = transferCredited

	txRecord := s.newTransaction(models.TxTypeTransfer, &sender.ID, &toWalletID, amount, sender.Currency)
	if err := s.store.CreateTransaction(ctx, &txRecord); err != nil {
		// Both balances moved; the history is short one record until
		// reconciliation. The operation itself succeeded.
		s.logger.Error("fallback transfer recorded no transaction",
			zap.Stringer("state", state),
			zap.String("sender_wallet_id", sender.ID),
			zap.String("receiver_wallet_id", toWalletID),
			zap.Int64("amount_minor", amount),
			zap.Error(err),
		)
	}

	result := &models.OperationResult{
		Message:     models.MessageTransferCompleted,
		Transaction: txRecord,
	}

	if replayed, err := s.putFallbackIdempotency(ctx, key, sub.ID, result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	} else if replayed != nil {
		return replayed, nil
	}
	state = transferRecorded
	s.logger.Debug("fallback transfer finished",
		zap.Stringer("state", state),
		zap.String("tx_id", txRecord.ID),
	)

	return result, nil
}
