package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"wallet-ledger/internal/auth"
	"wallet-ledger/internal/models"
	"wallet-ledger/internal/repositories/postgresrepo"
)

func TestTransfer_MovesFundsExactlyOnce(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 10000)
	store.addWallet("w-b", "u-b", "Bob", 0)
	svc := newTestService(store, true)

	first, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-b", mustParse(t, "50.00"), "k1")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if got := store.balance("w-a"); got != 5000 {
		t.Fatalf("sender balance = %d, want 5000", got)
	}
	if got := store.balance("w-b"); got != 5000 {
		t.Fatalf("receiver balance = %d, want 5000", got)
	}
	if store.transactionCount() != 1 {
		t.Fatalf("transaction count = %d, want 1", store.transactionCount())
	}

	// Retrying with the same key must not move money again and must return
	// the same response content, same transaction ID included.
	second, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-b", mustParse(t, "50.00"), "k1")
	if err != nil {
		t.Fatalf("retried Transfer failed: %v", err)
	}

	if got := store.balance("w-a"); got != 5000 {
		t.Fatalf("sender balance after retry = %d, want 5000", got)
	}
	if got := store.balance("w-b"); got != 5000 {
		t.Fatalf("receiver balance after retry = %d, want 5000", got)
	}
	if store.transactionCount() != 1 {
		t.Fatalf("transaction count after retry = %d, want 1", store.transactionCount())
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("retried transaction ID = %q, want %q", second.Transaction.ID, first.Transaction.ID)
	}

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	if string(firstJSON) != string(secondJSON) {
		t.Fatalf("replayed response differs:\nfirst:  %s\nsecond: %s", firstJSON, secondJSON)
	}
}

func TestTransfer_MissingKeyRejectedBeforeStoreAccess(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 1000)
	svc := newTestService(store, true)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-b", mustParse(t, "1"), "")
	if !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Fatalf("error = %v, want ErrMissingIdempotencyKey", err)
	}
	if store.accesses != 0 {
		t.Fatalf("store accessed %d times, want 0", store.accesses)
	}
}

func TestTransfer_InsufficientFundsLeavesBalancesUntouched(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 1000)
	store.addWallet("w-b", "u-b", "Bob", 0)
	svc := newTestService(store, true)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-b", mustParse(t, "50.00"), "k2")
	if !errors.Is(err, postgresrepo.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}

	if got := store.balance("w-a"); got != 1000 {
		t.Fatalf("sender balance = %d, want 1000 (no partial debit)", got)
	}
	if got := store.balance("w-b"); got != 0 {
		t.Fatalf("receiver balance = %d, want 0", got)
	}
	if store.transactionCount() != 0 {
		t.Fatalf("transaction count = %d, want 0", store.transactionCount())
	}
	// A genuinely rejected input is not cached: the caller may retry with
	// the same key after topping up.
	if _, err := store.Get(context.Background(), "k2"); !errors.Is(err, postgresrepo.ErrKeyNotFound) {
		t.Fatalf("rejected transfer was cached under its key")
	}
}

func TestTransfer_ReceiverNotFound(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 1000)
	svc := newTestService(store, true)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-missing", mustParse(t, "1"), "k3")
	if !errors.Is(err, ErrReceiverWalletNotFound) {
		t.Fatalf("error = %v, want ErrReceiverWalletNotFound", err)
	}
	if got := store.balance("w-a"); got != 1000 {
		t.Fatalf("sender balance = %d, want 1000", got)
	}
	if store.transactionCount() != 0 {
		t.Fatalf("transaction count = %d, want 0", store.transactionCount())
	}
}

func TestTransfer_SenderNotFound(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-b", "u-b", "Bob", 0)
	svc := newTestService(store, true)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-missing"}, "w-b", mustParse(t, "1"), "k4")
	if !errors.Is(err, ErrSenderWalletNotFound) {
		t.Fatalf("error = %v, want ErrSenderWalletNotFound", err)
	}
}

func TestTransfer_SelfTransferRejected(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 1000)
	svc := newTestService(store, true)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-a", mustParse(t, "1"), "k5")
	if !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("error = %v, want ErrSelfTransfer", err)
	}
	if got := store.balance("w-a"); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}
}

func TestTransfer_DuplicateKeyRaceReplaysWinner(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 10000)
	store.addWallet("w-b", "u-b", "Bob", 0)
	svc := newTestService(store, true)

	winner := &models.OperationResult{
		Message: models.MessageTransferCompleted,
		Transaction: models.Transaction{
			ID:     "winner-tx",
			Type:   models.TxTypeTransfer,
			Amount: 5000,
			Status: models.TxStatusCompleted,
		},
	}
	store.conflictResult = winner

	result, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-b", mustParse(t, "50.00"), "k-race")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if result.Transaction.ID != "winner-tx" {
		t.Fatalf("loser returned its own transaction %q, want the winner's", result.Transaction.ID)
	}
	// The loser's scope was rolled back: its balance writes must be gone.
	if got := store.balance("w-a"); got != 10000 {
		t.Fatalf("sender balance = %d, want 10000 (loser rolled back)", got)
	}
	if store.transactionCount() != 0 {
		t.Fatalf("transaction count = %d, want 0", store.transactionCount())
	}
}

func TestTransferFallback_Success(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 10000)
	store.addWallet("w-b", "u-b", "Bob", 0)
	svc := newTestService(store, false)

	result, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-b", mustParse(t, "50.00"), "k-f1")
	if err != nil {
		t.Fatalf("fallback Transfer failed: %v", err)
	}

	if got := store.balance("w-a"); got != 5000 {
		t.Fatalf("sender balance = %d, want 5000", got)
	}
	if got := store.balance("w-b"); got != 5000 {
		t.Fatalf("receiver balance = %d, want 5000", got)
	}
	if store.transactionCount() != 1 {
		t.Fatalf("transaction count = %d, want 1", store.transactionCount())
	}
	if result.Transaction.Type != models.TxTypeTransfer {
		t.Errorf("transaction type = %q, want TRANSFER", result.Transaction.Type)
	}

	if _, err := store.Get(context.Background(), "k-f1"); err != nil {
		t.Errorf("idempotency record not stored: %v", err)
	}
}

func TestTransferFallback_InsufficientFunds(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 100)
	store.addWallet("w-b", "u-b", "Bob", 0)
	svc := newTestService(store, false)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-b", mustParse(t, "50.00"), "k-f2")
	if !errors.Is(err, postgresrepo.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	if got := store.balance("w-a"); got != 100 {
		t.Fatalf("sender balance = %d, want 100", got)
	}
}

func TestTransferFallback_CompensatesWhenReceiverMissing(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 1000)
	svc := newTestService(store, false)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-missing", mustParse(t, "5.00"), "k-f3")
	if !errors.Is(err, ErrReceiverWalletNotFound) {
		t.Fatalf("error = %v, want ErrReceiverWalletNotFound", err)
	}

	// Net effect must be zero: debit followed by the compensating credit.
	if got := store.balance("w-a"); got != 1000 {
		t.Fatalf("sender balance = %d, want 1000 (debit reverted)", got)
	}
	if store.transactionCount() != 0 {
		t.Fatalf("transaction count = %d, want 0", store.transactionCount())
	}
	// The compensated failure is retryable, so it is not cached.
	if _, err := store.Get(context.Background(), "k-f3"); !errors.Is(err, postgresrepo.ErrKeyNotFound) {
		t.Fatalf("compensated failure was cached under its key")
	}
}

func TestTransferFallback_CompensationFailureSurfaced(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 1000)
	store.creditErr["w-a"] = fmt.Errorf("connection reset")
	svc := newTestService(store, false)

	_, err := svc.Transfer(context.Background(), auth.Subject{ID: "u-a"}, "w-missing", mustParse(t, "5.00"), "k-f4")
	if !errors.Is(err, ErrCompensationFailed) {
		t.Fatalf("error = %v, want ErrCompensationFailed", err)
	}
	// The debit stands until external reconciliation; nothing else was
	// written.
	if got := store.balance("w-a"); got != 500 {
		t.Fatalf("sender balance = %d, want 500 (debit in flight)", got)
	}
	if store.transactionCount() != 0 {
		t.Fatalf("transaction count = %d, want 0", store.transactionCount())
	}
}

func TestConservation_TransfersNeverChangeTheTotal(t *testing.T) {
	store := newMemStore()
	store.addWallet("w-a", "u-a", "Alice", 0)
	store.addWallet("w-b", "u-b", "Bob", 0)
	store.addWallet("w-c", "u-c", "Cara", 0)

	for _, atomicTx := range []bool{true, false} {
		t.Run(fmt.Sprintf("atomic=%v", atomicTx), func(t *testing.T) {
			svc := newTestService(store, atomicTx)
			ctx := context.Background()

			var topupTotal int64
			ops := []struct {
				user   string
				amount string
			}{
				{"u-a", "100.00"}, {"u-b", "30.50"}, {"u-a", "0.01"}, {"u-c", "999.99"},
			}
			for i, op := range ops {
				result, err := svc.Topup(ctx, auth.Subject{ID: op.user}, mustParse(t, op.amount), fmt.Sprintf("topup-%v-%d", atomicTx, i))
				if err != nil {
					t.Fatalf("Topup(%s, %s) failed: %v", op.user, op.amount, err)
				}
				topupTotal += result.Transaction.Amount
			}

			before := store.totalBalance()

			transfers := []struct {
				user   string
				to     string
				amount string
			}{
				{"u-a", "w-b", "10.00"}, {"u-b", "w-c", "5.25"}, {"u-c", "w-a", "100.00"},
			}
			for i, tr := range transfers {
				if _, err := svc.Transfer(ctx, auth.Subject{ID: tr.user}, tr.to, mustParse(t, tr.amount), fmt.Sprintf("transfer-%v-%d", atomicTx, i)); err != nil {
					t.Fatalf("Transfer(%s -> %s, %s) failed: %v", tr.user, tr.to, tr.amount, err)
				}
			}

			if after := store.totalBalance(); after != before {
				t.Fatalf("total balance changed across transfers: %d -> %d", before, after)
			}
		})
	}
}
