package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"coinvest/internal/middleware"
	"coinvest/internal/models"
	"coinvest/internal/money"
	"coinvest/internal/services"
	"coinvest/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
)

func (h *Handler) ListPendingEntries(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r.URL.Query())
	entries, err := h.ledger.PendingEntries(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, err, "unable to load pending entries")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

type settleRequest struct {
	Note string `json:"note"`
}

// settleInput reads the entry id and optional note shared by approve and
// reject.
func settleInput(w http.ResponseWriter, r *http.Request) (services.SettleRequest, bool) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return services.SettleRequest{}, false
	}
	entryID, err := parseEntryID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return services.SettleRequest{}, false
	}
	var req settleRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return services.SettleRequest{}, false
	}
	return services.SettleRequest{EntryID: entryID, AdminID: adminID, Note: req.Note}, true
}

func (h *Handler) ApproveEntry(w http.ResponseWriter, r *http.Request) {
	req, ok := settleInput(w, r)
	if !ok {
		return
	}
	entry, balance, err := h.ledger.ApproveEntry(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "unable to approve entry")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entry":   entry,
		"balance": money.Format(balance),
	})
}

func (h *Handler) RejectEntry(w http.ResponseWriter, r *http.Request) {
	req, ok := settleInput(w, r)
	if !ok {
		return
	}
	entry, err := h.ledger.RejectEntry(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "unable to reject entry")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entry": entry,
	})
}

type adjustmentRequest struct {
	UserID      string `json:"user_id"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// AdjustBalance applies an immediate signed change. user_id may also be an
// email address.
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := parseSignedAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, amountReason(err))
		return
	}
	targetUserID, err := h.users.ResolveID(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve user")
		return
	}
	balance, entry, err := h.ledger.ApplyLedgerChange(r.Context(), services.ApplyChangeRequest{
		UserID:       targetUserID,
		Currency:     req.Currency,
		SignedAmount: amount,
		Description:  req.Description,
		AdminID:      adminID,
	})
	if err != nil {
		respondServiceError(w, err, "unable to adjust balance")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"entry":   entry,
		"balance": money.Format(balance),
	})
}

func (h *Handler) AdminListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r.URL.Query())
	rows, err := h.accounts.ListAllWithUsers(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load accounts")
		return
	}
	if rows == nil {
		rows = []store.AccountWithUser{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// Reconcile compares stored balances with approved entries. Pass
// ?mismatched=true to see only accounts that disagree.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	onlyMismatched := r.URL.Query().Get("mismatched") == "true"
	rows, err := h.accounts.Reconcile(r.Context(), onlyMismatched)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to reconcile balances")
		return
	}
	if rows == nil {
		rows = []store.AccountReconciliation{}
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.ledger.Totals(r.Context())
	if err != nil {
		respondServiceError(w, err, "unable to load stats")
		return
	}
	if totals == nil {
		totals = []store.CurrencyTotals{}
	}
	respondJSON(w, http.StatusOK, totals)
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r.URL.Query())
	rows, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	if rows == nil {
		rows = []store.AuditLog{}
	}
	respondJSON(w, http.StatusOK, rows)
}

type promoteRequest struct {
	Identifier string `json:"identifier"`
}

func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Identifier) == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	targetUserID, err := h.users.ResolveID(r.Context(), strings.TrimSpace(req.Identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve user")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, targetUserID, false, &userID); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"target_user_id": targetUserID,
		})
		return h.audit.Log(r.Context(), tx, userID, "promote_admin", "admin", targetUserID, string(data))
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to promote admin")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted", "user_id": targetUserID})
}

type grantRoleRequest struct {
	AdminUserID string `json:"admin_user_id"`
	Role        string `json:"role"`
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req grantRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdminUserID == "" || req.Role == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !models.IsAdminRole(req.Role) {
		respondError(w, http.StatusBadRequest, "unknown role")
		return
	}
	isAdmin, isSuper, err := h.admin.IsAdmin(r.Context(), req.AdminUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify target admin")
		return
	}
	if !isAdmin {
		respondError(w, http.StatusBadRequest, "target is not an admin")
		return
	}
	if isSuper {
		respondError(w, http.StatusBadRequest, "cannot assign roles to super admin")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.GrantRole(r.Context(), tx, req.AdminUserID, req.Role); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"admin_user_id": req.AdminUserID,
			"role":          req.Role,
		})
		return h.audit.Log(r.Context(), tx, userID, "grant_role", "admin_role", req.AdminUserID, string(data))
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to grant role")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}
