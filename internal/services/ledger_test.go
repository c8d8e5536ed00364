package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wallet-ledger/internal/models"
	"wallet-ledger/internal/repositories/postgresrepo"
)

// memStore is an in-memory stand-in for the Postgres-backed repositories.
// It implements both the LedgerStore and the IdempotencyStore contracts,
// returning the same sentinel errors the real store does.
type memStore struct {
	mu       sync.Mutex
	wallets  map[string]models.Wallet // keyed by wallet ID
	byUser   map[string]string        // user ID -> wallet ID
	users    map[string]models.User
	txs      []models.Transaction
	idem     map[string]models.IdempotencyRecord
	accesses int

	// failure injection
	creditErr      map[string]error        // wallet ID -> forced Credit error
	conflictResult *models.OperationResult // simulates a concurrent winner on PutIdempotency
}

var (
	_ LedgerStore      = (*memStore)(nil)
	_ IdempotencyStore = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		wallets:   make(map[string]models.Wallet),
		byUser:    make(map[string]string),
		users:     make(map[string]models.User),
		idem:      make(map[string]models.IdempotencyRecord),
		creditErr: make(map[string]error),
	}
}

func (s *memStore) addWallet(walletID, userID, name string, balance int64) {
	s.wallets[walletID] = models.Wallet{
		ID:        walletID,
		UserID:    userID,
		Balance:   balance,
		Currency:  "INR",
		UpdatedAt: time.Now().UTC(),
	}
	s.byUser[userID] = walletID
	s.users[userID] = models.User{ID: userID, Name: name, Email: name + "@example.com"}
}

func (s *memStore) balance(walletID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[walletID].Balance
}

func (s *memStore) totalBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, w := range s.wallets {
		total += w.Balance
	}
	return total
}

func (s *memStore) transactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// LedgerStore

func (s *memStore) BeginTx(ctx context.Context) (LedgerTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	staged := make(map[string]models.Wallet, len(s.wallets))
	for id, w := range s.wallets {
		staged[id] = w
	}
	return &memTx{store: s, wallets: staged}, nil
}

func (s *memStore) GetWalletByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	walletID, ok := s.byUser[userID]
	if !ok {
		return nil, postgresrepo.ErrWalletNotFound
	}
	wallet := s.wallets[walletID]
	return &wallet, nil
}

func (s *memStore) GetWalletByID(ctx context.Context, walletID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	wallet, ok := s.wallets[walletID]
	if !ok {
		return nil, postgresrepo.ErrWalletNotFound
	}
	return &wallet, nil
}

func (s *memStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	user, ok := s.users[userID]
	if !ok {
		return nil, postgresrepo.ErrUserNotFound
	}
	return &user, nil
}

func (s *memStore) GetWalletIDByEmail(ctx context.Context, email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	for userID, user := range s.users {
		if user.Email == email {
			if walletID, ok := s.byUser[userID]; ok {
				return walletID, nil
			}
		}
	}
	return "", postgresrepo.ErrWalletNotFound
}

func (s *memStore) DebitIfSufficient(ctx context.Context, walletID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	wallet, ok := s.wallets[walletID]
	if !ok {
		return postgresrepo.ErrWalletNotFound
	}
	if wallet.Balance < amount {
		return postgresrepo.ErrInsufficientFunds
	}
	wallet.Balance -= amount
	s.wallets[walletID] = wallet
	return nil
}

func (s *memStore) Credit(ctx context.Context, walletID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	if err, ok := s.creditErr[walletID]; ok {
		return err
	}
	wallet, ok := s.wallets[walletID]
	if !ok {
		return postgresrepo.ErrWalletNotFound
	}
	wallet.Balance += amount
	s.wallets[walletID] = wallet
	return nil
}

func (s *memStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	s.txs = append(s.txs, *tx)
	return nil
}

func (s *memStore) ListTransactionsByWallet(ctx context.Context, walletID string, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	var out []models.Transaction
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.txs[i]
		if (tx.FromWalletID != nil && *tx.FromWalletID == walletID) ||
			(tx.ToWalletID != nil && *tx.ToWalletID == walletID) {
			out = append(out, tx)
		}
	}
	return out, nil
}

// IdempotencyStore

func (s *memStore) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	rec, ok := s.idem[key]
	if !ok {
		return nil, postgresrepo.ErrKeyNotFound
	}
	return &rec, nil
}

func (s *memStore) Put(ctx context.Context, rec *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses++

	if _, exists := s.idem[rec.Key]; exists {
		return postgresrepo.ErrDuplicateKey
	}
	s.idem[rec.Key] = *rec
	return nil
}

func (s *memStore) TTL() time.Duration {
	return 24 * time.Hour
}

// memTx stages mutations against a copy of the wallet table and applies them
// on Commit, mirroring the real transactional scope.
type memTx struct {
	store   *memStore
	wallets map[string]models.Wallet
	txs     []models.Transaction
	idem    []models.IdempotencyRecord
	done    bool
}

func (t *memTx) GetWalletIDByUser(ctx context.Context, userID string) (string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	walletID, ok := t.store.byUser[userID]
	if !ok {
		return "", postgresrepo.ErrWalletNotFound
	}
	return walletID, nil
}

func (t *memTx) LockWalletByID(ctx context.Context, walletID string) (*models.Wallet, error) {
	wallet, ok := t.wallets[walletID]
	if !ok {
		return nil, postgresrepo.ErrWalletNotFound
	}
	return &wallet, nil
}

func (t *memTx) LockWalletByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	t.store.mu.Lock()
	walletID, ok := t.store.byUser[userID]
	t.store.mu.Unlock()
	if !ok {
		return nil, postgresrepo.ErrWalletNotFound
	}
	return t.LockWalletByID(ctx, walletID)
}

func (t *memTx) UpdateBalance(ctx context.Context, walletID string, balance int64) error {
	wallet, ok := t.wallets[walletID]
	if !ok {
		return postgresrepo.ErrWalletNotFound
	}
	wallet.Balance = balance
	t.wallets[walletID] = wallet
	return nil
}

func (t *memTx) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	t.txs = append(t.txs, *tx)
	return nil
}

func (t *memTx) PutIdempotency(ctx context.Context, rec *models.IdempotencyRecord) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.store.conflictResult != nil {
		// A concurrent request committed this key between our idempotency
		// check and this write: make its result visible and lose the race.
		payload, err := json.Marshal(t.store.conflictResult)
		if err != nil {
			return err
		}
		t.store.idem[rec.Key] = models.IdempotencyRecord{Key: rec.Key, Result: payload}
		return postgresrepo.ErrDuplicateKey
	}

	if _, exists := t.store.idem[rec.Key]; exists {
		return postgresrepo.ErrDuplicateKey
	}
	t.idem = append(t.idem, *rec)
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for id, w := range t.wallets {
		t.store.wallets[id] = w
	}
	t.store.txs = append(t.store.txs, t.txs...)
	for _, rec := range t.idem {
		t.store.idem[rec.Key] = rec
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}
