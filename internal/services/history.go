package services

import (
	"context"
	"fmt"

	"wallet-ledger/internal/auth"
	"wallet-ledger/internal/models"
)

const defaultHistoryLimit = 50

// ListTransactions builds a directional view of the caller's transaction
// log, newest first. A counterparty that cannot be resolved renders as
// "Unknown" rather than failing the call.
func (s *LedgerService) ListTransactions(ctx context.Context, sub auth.Subject, limit int) ([]models.TransactionView, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	wallet, err := s.store.GetWalletByUser(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	transactions, err := s.store.ListTransactionsByWallet(ctx, wallet.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history: %w", err)
	}

	names := make(map[string]string)
	views := make([]models.TransactionView, 0, len(transactions))
	for _, tx := range transactions {
		view := models.TransactionView{
			ID:           tx.ID,
			Type:         tx.Type,
			FromWalletID: tx.FromWalletID,
			ToWalletID:   tx.ToWalletID,
			Amount:       tx.Amount,
			Currency:     tx.Currency,
			Status:       tx.Status,
			CreatedAt:    tx.CreatedAt,
		}

		switch {
		case tx.Type == models.TxTypeTopup:
			view.Direction = models.DirectionTopup
		case tx.FromWalletID != nil && *tx.FromWalletID == wallet.ID:
			view.Direction = models.DirectionSent
			view.CounterpartyName = s.resolveOwnerName(ctx, names, tx.ToWalletID)
		default:
			view.Direction = models.DirectionReceived
			view.CounterpartyName = s.resolveOwnerName(ctx, names, tx.FromWalletID)
		}

		views = append(views, view)
	}

	return views, nil
}

// resolveOwnerName follows a wallet reference to its owner's display name,
// memoizing per call so repeated counterparties cost one lookup.
func (s *LedgerService) resolveOwnerName(ctx context.Context, names map[string]string, walletID *string) string {
	if walletID == nil {
		return models.CounterpartyUnknown
	}
	if name, ok := names[*walletID]; ok {
		return name
	}

	name := models.CounterpartyUnknown
	if wallet, err := s.store.GetWalletByID(ctx, *walletID); err == nil {
		if user, err := s.store.GetUser(ctx, wallet.UserID); err == nil && user.Name != "" {
			name = user.Name
		}
	}

	names[*walletID] = name
	return name
}
