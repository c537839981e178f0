package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"coinvest/internal/auth"
	"coinvest/internal/middleware"
	"coinvest/internal/models"
	"coinvest/internal/money"
	"coinvest/internal/services"
	"coinvest/internal/store"
	"coinvest/internal/validator"
	"coinvest/internal/websocket"

	"github.com/go-chi/chi/v5"
)

type walletResponse struct {
	ID                string    `json:"id"`
	Currency          string    `json:"currency"`
	Balance           string    `json:"balance"`
	DepositAddress    string    `json:"deposit_address,omitempty"`
	MinimumWithdrawal string    `json:"minimum_withdrawal,omitempty"`
	WithdrawalFee     string    `json:"withdrawal_fee,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (h *Handler) walletResponse(account models.Account) walletResponse {
	resp := walletResponse{
		ID:        account.ID,
		Currency:  account.Currency,
		Balance:   money.Format(account.Balance),
		UpdatedAt: account.UpdatedAt,
	}
	if policy, err := h.ledger.Policy(account.Currency); err == nil {
		resp.DepositAddress = policy.DepositAddress
		resp.MinimumWithdrawal = money.Format(policy.MinimumWithdrawal)
		resp.WithdrawalFee = money.Format(policy.Fee)
	}
	return resp
}

func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	accounts, err := h.ledger.Accounts(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, "unable to load wallets")
		return
	}
	wallets := make([]walletResponse, 0, len(accounts))
	for _, account := range accounts {
		wallets = append(wallets, h.walletResponse(account))
	}
	respondJSON(w, http.StatusOK, wallets)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account, err := h.ledger.Account(r.Context(), userID, chi.URLParam(r, "currency"))
	if err != nil {
		respondServiceError(w, err, "unable to load wallet")
		return
	}
	respondJSON(w, http.StatusOK, h.walletResponse(account))
}

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ledger.Policies())
}

type depositRequest struct {
	Currency       string `json:"currency"`
	Amount         string `json:"amount"`
	ProofReference string `json:"proof_reference"`
}

func (h *Handler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := parsePositiveAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, amountReason(err))
		return
	}
	entry, err := h.ledger.RequestDeposit(r.Context(), services.DepositRequest{
		UserID:         userID,
		Currency:       req.Currency,
		Amount:         amount,
		ProofReference: req.ProofReference,
	})
	if err != nil {
		respondServiceError(w, err, "unable to request deposit")
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

type withdrawalRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	Address  string `json:"address"`
}

type withdrawalResponse struct {
	models.LedgerEntry
	TotalDebit string `json:"total_debit"`
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := parsePositiveAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, amountReason(err))
		return
	}
	address := strings.TrimSpace(req.Address)
	if err := validator.ValidateAddress(req.Currency, address); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	entry, err := h.ledger.RequestWithdrawal(r.Context(), services.WithdrawalRequest{
		UserID:   userID,
		Currency: req.Currency,
		Amount:   amount,
		Address:  address,
	})
	if err != nil {
		respondServiceError(w, err, "unable to request withdrawal")
		return
	}
	respondJSON(w, http.StatusCreated, withdrawalResponse{
		LedgerEntry: entry,
		TotalDebit:  money.Format(entry.Amount.Add(entry.Fee)),
	})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	query := r.URL.Query()
	status := query.Get("status")
	if !validStatus(status) {
		respondError(w, http.StatusBadRequest, "invalid_status")
		return
	}
	entryType := query.Get("type")
	if !validType(entryType) {
		respondError(w, http.StatusBadRequest, "invalid_type")
		return
	}
	limit, offset := parsePage(query)
	entries, err := h.ledger.Entries(r.Context(), store.EntryFilter{
		UserID:   userID,
		Currency: query.Get("currency"),
		Status:   status,
		Type:     entryType,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondServiceError(w, err, "unable to load entries")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ReplayWallet re-derives the caller's balance from settled entries.
func (h *Handler) ReplayWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	result, err := h.ledger.Replay(r.Context(), userID, chi.URLParam(r, "currency"))
	if err != nil {
		respondServiceError(w, err, "unable to replay wallet")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.TokenFromRequest(r)
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	websocket.ServeWS(w, r, h.hub, claims.UserID)
}
