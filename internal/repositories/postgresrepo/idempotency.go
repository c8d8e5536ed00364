package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"wallet-ledger/internal/models"
)

var ErrKeyNotFound = errors.New("idempotency key not found")

// IdempotencyRepository maps client-chosen operation keys to the response
// payload their operation first produced. Expiry is enforced here, never by
// the engine: an expired key reads as absent and is eventually purged.
type IdempotencyRepository struct {
	db  *sqlx.DB
	ttl time.Duration
}

func NewIdempotencyRepository(db *sqlx.DB, ttl time.Duration) *IdempotencyRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyRepository{db: db, ttl: ttl}
}

// TTL returns the configured retention window.
func (r *IdempotencyRepository) TTL() time.Duration {
	return r.ttl
}

// Get returns the record stored under key, or ErrKeyNotFound when the key is
// absent or expired.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord

	query := `
		SELECT key, user_id, result, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()
	`

	err := r.db.GetContext(ctx, &rec, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	return &rec, nil
}

// Put stores a record outside any transactional scope. Used by the
// degraded-mode path; fails with ErrDuplicateKey when another record with
// the same key already exists.
func (r *IdempotencyRepository) Put(ctx context.Context, rec *models.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (key, user_id, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
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

// PurgeExpired deletes records past their retention window and returns the
// number removed.
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}
