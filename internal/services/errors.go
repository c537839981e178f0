package services

import (
	"errors"

	"coinvest/internal/db"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimum        = errors.New("amount below minimum withdrawal")
	ErrInvalidCurrency     = errors.New("unsupported currency")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAddress      = errors.New("invalid destination address")
	ErrInvalidProof        = errors.New("deposit proof required")
	ErrInvalidDescription  = errors.New("description required")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrEntryNotPending     = errors.New("ledger entry is not pending")

	ErrLockTimeout = db.ErrLockTimeout
	ErrConflict    = db.ErrConflict
)

// IsRetryable reports whether err left no committed effect and the same
// request may be sent again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrConflict)
}
