package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	KindCredit = "credit"
	KindDebit  = "debit"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"

	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
	TypeAdjustment = "adjustment"
)

type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	FullName     string    `db:"full_name" json:"full_name"`
	Phone        string    `db:"phone" json:"phone"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Account is a user's balance in one currency.
type Account struct {
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Currency  string          `db:"currency" json:"currency"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// LedgerEntry is one balance-affecting event. Only Status and the review
// fields change after creation.
type LedgerEntry struct {
	ID            int64           `db:"id" json:"id"`
	AccountID     string          `db:"account_id" json:"account_id"`
	UserID        string          `db:"user_id" json:"user_id"`
	Currency      string          `db:"currency" json:"currency"`
	Type          string          `db:"type" json:"type"`
	Kind          string          `db:"kind" json:"kind"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Fee           decimal.Decimal `db:"fee" json:"fee"`
	Description   string          `db:"description" json:"description"`
	Status        string          `db:"status" json:"status"`
	Reference     string          `db:"reference" json:"reference"`
	AdminID       *string         `db:"admin_id" json:"admin_id,omitempty"`
	ReviewedBy    *string         `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewNote    *string         `db:"review_note" json:"review_note,omitempty"`
	SettlementSeq *int64          `db:"settlement_seq" json:"settlement_seq,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	SettledAt     *time.Time      `db:"settled_at" json:"settled_at,omitempty"`
}

// Effect is the signed change the entry applies to its account once approved:
// the amount for credits, minus amount and fee for debits.
func (e LedgerEntry) Effect() decimal.Decimal {
	if e.Kind == KindCredit {
		return e.Amount
	}
	return e.Amount.Add(e.Fee).Neg()
}

func (e LedgerEntry) IsPending() bool {
	return e.Status == StatusPending
}

// Admin roles. Super admins hold every role implicitly.
const (
	RoleReviewEntries  = "CanReviewEntries"
	RoleAdjustBalances = "CanAdjustBalances"
	RoleViewAudit      = "CanViewAudit"
)

// AdminRoles lists the roles a super admin may grant.
var AdminRoles = []string{RoleReviewEntries, RoleAdjustBalances, RoleViewAudit}

func IsAdminRole(role string) bool {
	for _, known := range AdminRoles {
		if role == known {
			return true
		}
	}
	return false
}
