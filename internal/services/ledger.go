package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wallet-ledger/internal/auth"
	"wallet-ledger/internal/config"
	"wallet-ledger/internal/metrics"
	"wallet-ledger/internal/models"
	"wallet-ledger/internal/repositories/postgresrepo"
	"wallet-ledger/internal/repositories/redisrepo"
)

var (
	ErrSenderWalletNotFound   = errors.New("sender wallet not found")
	ErrReceiverWalletNotFound = errors.New("receiver wallet not found")
	ErrMissingIdempotencyKey  = errors.New("idempotency key required")
	ErrSelfTransfer           = errors.New("cannot transfer to own wallet")
	ErrTopupFailed            = errors.New("topup failed")
	ErrTransactionAborted     = errors.New("transaction aborted")
	ErrCompensationFailed     = errors.New("compensating credit failed, ledger requires reconciliation")
)

// LedgerStore is the durable wallet/transaction store consumed by the engine.
type LedgerStore interface {
	BeginTx(ctx context.Context) (LedgerTx, error)
	GetWalletByUser(ctx context.Context, userID string) (*models.Wallet, error)
	GetWalletByID(ctx context.Context, walletID string) (*models.Wallet, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetWalletIDByEmail(ctx context.Context, email string) (string, error)
	DebitIfSufficient(ctx context.Context, walletID string, amount int64) error
	Credit(ctx context.Context, walletID string, amount int64) error
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	ListTransactionsByWallet(ctx context.Context, walletID string, limit int) ([]models.Transaction, error)
}

// LedgerTx is one atomic scope over the ledger store. The wallet balance
// check and mutation inside a scope are linearized against all other
// mutations of the same wallet by the store's locking.
type LedgerTx interface {
	GetWalletIDByUser(ctx context.Context, userID string) (string, error)
	LockWalletByID(ctx context.Context, walletID string) (*models.Wallet, error)
	LockWalletByUser(ctx context.Context, userID string) (*models.Wallet, error)
	UpdateBalance(ctx context.Context, walletID string, balance int64) error
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	PutIdempotency(ctx context.Context, rec *models.IdempotencyRecord) error
	Commit() error
	Rollback() error
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	Put(ctx context.Context, rec *models.IdempotencyRecord) error
	TTL() time.Duration
}

type WalletCache interface {
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	SetWallet(ctx context.Context, wallet *models.Wallet) error
	DeleteWallet(ctx context.Context, userID string) error
}

type EventPublisher interface {
	PublishTransaction(ctx context.Context, event models.TransactionEvent) error
}

// NewLedgerStore adapts the Postgres repository to the engine's store contract.
func NewLedgerStore(repo *postgresrepo.LedgerRepository) LedgerStore {
	return ledgerStoreAdapter{repo}
}

type ledgerStoreAdapter struct {
	*postgresrepo.LedgerRepository
}

func (a ledgerStoreAdapter) BeginTx(ctx context.Context) (LedgerTx, error) {
	return a.LedgerRepository.BeginTx(ctx)
}

type LedgerService struct {
	store    LedgerStore
	idemRepo IdempotencyStore
	cache    WalletCache
	events   EventPublisher
	logger   *zap.Logger
	metrics  *metrics.Metrics

	currency string
	// atomicTx reports whether the store supports multi-record atomic
	// commits. Resolved once at startup from config, never inferred from
	// error content at runtime.
	atomicTx bool
}

func NewLedgerService(
	store LedgerStore,
	idemRepo IdempotencyStore,
	cache WalletCache,
	events EventPublisher,
	logger *zap.Logger,
	m *metrics.Metrics,
	cfg config.LedgerConfig,
) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{
		store:    store,
		idemRepo: idemRepo,
		cache:    cache,
		events:   events,
		logger:   logger,
		metrics:  m,
		currency: cfg.Currency,
		atomicTx: cfg.AtomicTransactions,
	}
}

// GetWallet returns the caller's wallet, serving from the cache when possible.
func (s *LedgerService) GetWallet(ctx context.Context, sub auth.Subject) (*models.Wallet, error) {
	if s.cache != nil {
		wallet, err := s.cache.GetWallet(ctx, sub.ID)
		if err == nil {
			return wallet, nil
		}
		if !errors.Is(err, redisrepo.ErrWalletNotCached) {
			s.logger.Warn("wallet cache read failed", zap.String("user_id", sub.ID), zap.Error(err))
		}
	}

	wallet, err := s.store.GetWalletByUser(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		// Refresh the cache off the request path
		go func() {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := s.cache.SetWallet(cacheCtx, wallet); err != nil {
				s.logger.Warn("wallet cache update failed", zap.String("wallet_id", wallet.ID), zap.Error(err))
			}
		}()
	}

	return wallet, nil
}

// ResolveWalletIDByEmail is a thin lookup from an owner's email to a wallet ID.
func (s *LedgerService) ResolveWalletIDByEmail(ctx context.Context, email string) (string, error) {
	return s.store.GetWalletIDByEmail(ctx, email)
}

// replay unmarshals a stored idempotency record back into the result its
// operation first produced.
func (s *LedgerService) replay(rec *models.IdempotencyRecord) (*models.OperationResult, error) {
	var result models.OperationResult
	if err := json.Unmarshal(rec.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode stored idempotency result: %w", err)
	}
	s.metrics.IdempotentReplay()
	return &result, nil
}

func (s *LedgerService) newIdempotencyRecord(key, userID string, result *models.OperationResult) (*models.IdempotencyRecord, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode idempotency result: %w", err)
	}
	now := time.Now().UTC()
	return &models.IdempotencyRecord{
		Key:       key,
		UserID:    userID,
		Result:    payload,
		CreatedAt: now,
		ExpiresAt: now.Add(s.idemRepo.TTL()),
	}, nil
}

func (s *LedgerService) invalidateWalletCache(userIDs ...string) {
	if s.cache == nil {
		return
	}
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, userID := range userIDs {
			if err := s.cache.DeleteWallet(cacheCtx, userID); err != nil {
				s.logger.Warn("wallet cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}()
}

// publishTransaction emits a transaction event to the broker, best effort:
// a broker failure never fails the operation that already committed.
func (s *LedgerService) publishTransaction(tx models.Transaction) {
	if s.events == nil {
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		event := models.TransactionEvent{
			TransactionID: tx.ID,
			Type:          tx.Type,
			FromWalletID:  tx.FromWalletID,
			ToWalletID:    tx.ToWalletID,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			Status:        tx.Status,
		}
		if err := s.events.PublishTransaction(pubCtx, event); err != nil {
			s.logger.Warn("transaction event publish failed", zap.String("tx_id", tx.ID), zap.Error(err))
		}
	}()
}
