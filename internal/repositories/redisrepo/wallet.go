package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"wallet-ledger/internal/models"
)

const (
	expiration = 5 * time.Minute
)

var (
	ErrWalletNotCached = errors.New("wallet not found in cache")
)

// WalletCache keeps a short-lived copy of wallet rows keyed by owner, so the
// read path can skip Postgres. Entries are dropped on every mutation.
type WalletCache struct {
	client *redis.Client
	prefix string
}

func NewWalletCache(client *redis.Client) *WalletCache {
	return &WalletCache{
		client: client,
		prefix: "wallet:",
	}
}

func (r *WalletCache) SetWallet(ctx context.Context, wallet *models.Wallet) error {
	key := r.getWalletKey(wallet.UserID)

	data, err := json.Marshal(wallet)
	if err != nil {
		return fmt.Errorf("failed to marshal wallet: %w", err)
	}

	err = r.client.Set(ctx, key, data, expiration).Err()
	if err != nil {
		return fmt.Errorf("failed to set wallet in redis: %w", err)
	}

	return nil
}

func (r *WalletCache) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	key := r.getWalletKey(userID)

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrWalletNotCached
		}
		return nil, fmt.Errorf("failed to get wallet from redis: %w", err)
	}

	var wallet models.Wallet
	if err := json.Unmarshal(data, &wallet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet from redis: %w", err)
	}

	return &wallet, nil
}

func (r *WalletCache) DeleteWallet(ctx context.Context, userID string) error {
	key := r.getWalletKey(userID)

	err := r.client.Del(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("failed to delete wallet from redis: %w", err)
	}

	return nil
}

func (r *WalletCache) getWalletKey(userID string) string {
	return r.prefix + userID
}
