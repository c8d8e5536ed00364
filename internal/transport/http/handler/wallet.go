package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator"

	"wallet-ledger/internal/auth"
	"wallet-ledger/internal/models"
	"wallet-ledger/internal/money"
	"wallet-ledger/internal/repositories/postgresrepo"
	"wallet-ledger/internal/services"
)

const idempotencyKeyHeader = "Idempotency-Key"

// LedgerService is the engine surface the handler depends on.
type LedgerService interface {
	GetWallet(ctx context.Context, sub auth.Subject) (*models.Wallet, error)
	Topup(ctx context.Context, sub auth.Subject, amount money.Amount, key string) (*models.OperationResult, error)
	Transfer(ctx context.Context, sub auth.Subject, toWalletID string, amount money.Amount, key string) (*models.OperationResult, error)
	ListTransactions(ctx context.Context, sub auth.Subject, limit int) ([]models.TransactionView, error)
	ResolveWalletIDByEmail(ctx context.Context, email string) (string, error)
}

type Wallet struct {
	ledger   LedgerService
	validate *validator.Validate
}

func NewWallet(mux *http.ServeMux, ledger LedgerService) *Wallet {
	h := &Wallet{
		ledger:   ledger,
		validate: validator.New(),
	}

	mux.HandleFunc("GET /api/v1/wallet", h.getWallet)
	mux.HandleFunc("POST /api/v1/wallet/topup", h.topup)
	mux.HandleFunc("POST /api/v1/wallet/transfer", h.transfer)
	mux.HandleFunc("GET /api/v1/wallet/transactions", h.listTransactions)
	mux.HandleFunc("GET /api/v1/users/byEmail/{email}", h.resolveWalletByEmail)

	return h
}

func (h *Wallet) getWallet(w http.ResponseWriter, r *http.Request) {
	sub, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Missing identity")
		return
	}

	wallet, err := h.ledger.GetWallet(r.Context(), sub)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"wallet": wallet})
}

func (h *Wallet) topup(w http.ResponseWriter, r *http.Request) {
	sub, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Missing identity")
		return
	}

	var req models.TopupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, money.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, "Invalid amount")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation error: %v", err))
		return
	}

	result, err := h.ledger.Topup(r.Context(), sub, req.Amount, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Wallet) transfer(w http.ResponseWriter, r *http.Request) {
	sub, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Missing identity")
		return
	}

	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, money.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, "Invalid amount")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation error: %v", err))
		return
	}

	result, err := h.ledger.Transfer(r.Context(), sub, req.ToWalletID, req.Amount, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Wallet) listTransactions(w http.ResponseWriter, r *http.Request) {
	sub, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Missing identity")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	views, err := h.ledger.ListTransactions(r.Context(), sub, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": views})
}

func (h *Wallet) resolveWalletByEmail(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	if err := h.validate.Var(email, "required,email"); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid email")
		return
	}

	walletID, err := h.ledger.ResolveWalletIDByEmail(r.Context(), email)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"walletId": walletID})
}

// writeServiceError maps engine errors onto stable HTTP statuses.
func (h *Wallet) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, money.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
	case errors.Is(err, services.ErrMissingIdempotencyKey):
		h.writeError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
	case errors.Is(err, services.ErrSelfTransfer):
		h.writeError(w, http.StatusBadRequest, "Cannot transfer to own wallet")
	case errors.Is(err, postgresrepo.ErrInsufficientFunds):
		h.writeError(w, http.StatusBadRequest, "Insufficient funds")
	case errors.Is(err, services.ErrSenderWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Sender wallet not found")
	case errors.Is(err, services.ErrReceiverWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Receiver wallet not found")
	case errors.Is(err, postgresrepo.ErrWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Wallet not found")
	case errors.Is(err, postgresrepo.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "User not found")
	default:
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Operation failed: %v", err))
	}
}

func (h *Wallet) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (h *Wallet) writeError(w http.ResponseWriter, statusCode int, message string) {
	errorResponse := map[string]interface{}{
		"error":   http.StatusText(statusCode),
		"message": message,
		"code":    statusCode,
	}

	h.writeJSON(w, statusCode, errorResponse)
}
