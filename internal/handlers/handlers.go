package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"coinvest/internal/services"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps ledger errors to a status and a stable reason.
// Anything unrecognised is logged and reported as fallback.
func respondServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrInsufficientBalance):
		respondError(w, http.StatusBadRequest, "insufficient_balance")
	case errors.Is(err, services.ErrBelowMinimum):
		respondError(w, http.StatusBadRequest, "below_minimum")
	case errors.Is(err, services.ErrInvalidCurrency):
		respondError(w, http.StatusBadRequest, "invalid_currency")
	case errors.Is(err, services.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, services.ErrInvalidAddress):
		respondError(w, http.StatusBadRequest, "invalid_address")
	case errors.Is(err, services.ErrInvalidProof):
		respondError(w, http.StatusBadRequest, "proof_required")
	case errors.Is(err, services.ErrInvalidDescription):
		respondError(w, http.StatusBadRequest, "description_required")
	case errors.Is(err, services.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account_not_found")
	case errors.Is(err, services.ErrEntryNotFound):
		respondError(w, http.StatusNotFound, "entry_not_found")
	case errors.Is(err, services.ErrEntryNotPending):
		respondError(w, http.StatusConflict, "entry_not_pending")
	case services.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "try_again")
	default:
		log.Printf("%s: %v", fallback, err)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}
