package models

import (
	"encoding/json"
	"time"

	"wallet-ledger/internal/money"
)

// Database models

type Wallet struct {
	ID        string    `db:"id" json:"walletId"`
	UserID    string    `db:"user_id" json:"userId"`
	Balance   int64     `db:"balance" json:"balance"`
	Reserved  int64     `db:"reserved" json:"reserved"`
	Currency  string    `db:"currency" json:"currency"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type Transaction struct {
	ID           string          `db:"id" json:"txId"`
	Type         string          `db:"type" json:"type"`
	FromWalletID *string         `db:"from_wallet" json:"fromWallet"`
	ToWalletID   *string         `db:"to_wallet" json:"toWallet"`
	Amount       int64           `db:"amount" json:"amount"`
	Currency     string          `db:"currency" json:"currency"`
	Status       string          `db:"status" json:"status"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// IdempotencyRecord binds a client-chosen operation key to the exact result
// payload the operation first produced. Records expire after a TTL enforced
// by the store, never by the engine.
type IdempotencyRecord struct {
	Key       string          `db:"key"`
	UserID    string          `db:"user_id"`
	Result    json.RawMessage `db:"result"`
	CreatedAt time.Time       `db:"created_at"`
	ExpiresAt time.Time       `db:"expires_at"`
}

// User is a read-only projection of the registration collaborator's data.
// The ledger only reads names and emails, never writes.
type User struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
}

// Request / response models

type TopupRequest struct {
	Amount money.Amount `json:"amount" validate:"required,gt=0"`
}

type TransferRequest struct {
	ToWalletID string       `json:"toWalletId" validate:"required,uuid4"`
	Amount     money.Amount `json:"amount" validate:"required,gt=0"`
}

// OperationResult is the payload cached under an idempotency key and
// replayed verbatim on retry.
type OperationResult struct {
	Message     string      `json:"message"`
	Transaction Transaction `json:"transaction"`
}

// TransactionView is one annotated entry of a wallet's history.
type TransactionView struct {
	ID               string    `json:"txId"`
	Type             string    `json:"type"`
	FromWalletID     *string   `json:"fromWallet"`
	ToWalletID       *string   `json:"toWallet"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	Direction        string    `json:"direction"`
	CounterpartyName string    `json:"counterpartyName,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// TransactionEvent is published to the broker after a ledger mutation commits.
type TransactionEvent struct {
	TransactionID string  `json:"transaction_id"`
	Type          string  `json:"type"`
	FromWalletID  *string `json:"from_wallet_id"`
	ToWalletID    *string `json:"to_wallet_id"`
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
}

// Transaction type constants
const (
	TxTypeTopup      = "TOPUP"
	TxTypeTransfer   = "TRANSFER"
	TxTypeAdjustment = "ADJUSTMENT"
	TxTypeRefund     = "REFUND"
)

// Transaction status constants
const (
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
)

// History direction labels
const (
	DirectionTopup    = "Top-up"
	DirectionSent     = "SENT"
	DirectionReceived = "RECEIVED"
)

// Message constants
const (
	MessageTopupCompleted    = "Topup completed"
	MessageTransferCompleted = "Transfer completed"
	CounterpartyUnknown      = "Unknown"
)
