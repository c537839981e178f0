package events

import (
	"context"
	"time"

	"coinvest/internal/models"
	"coinvest/internal/money"

	"github.com/shopspring/decimal"
)

const (
	TypeEntryPending  = "ledger.entry.pending"
	TypeEntryApproved = "ledger.entry.approved"
	TypeEntryRejected = "ledger.entry.rejected"
)

// LedgerEvent describes a committed change to one ledger entry.
type LedgerEvent struct {
	Type       string    `json:"type"`
	EntryID    int64     `json:"entry_id"`
	UserID     string    `json:"user_id"`
	AccountID  string    `json:"account_id"`
	Currency   string    `json:"currency"`
	EntryType  string    `json:"entry_type"`
	Kind       string    `json:"kind"`
	Amount     string    `json:"amount"`
	Fee        string    `json:"fee"`
	Status     string    `json:"status"`
	Balance    string    `json:"balance"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event LedgerEvent) error
}

// FromEntry builds the event for an entry in its current status.
func FromEntry(entry models.LedgerEntry, balance decimal.Decimal) LedgerEvent {
	eventType := TypeEntryPending
	switch entry.Status {
	case models.StatusApproved:
		eventType = TypeEntryApproved
	case models.StatusRejected:
		eventType = TypeEntryRejected
	}
	return LedgerEvent{
		Type:       eventType,
		EntryID:    entry.ID,
		UserID:     entry.UserID,
		AccountID:  entry.AccountID,
		Currency:   entry.Currency,
		EntryType:  entry.Type,
		Kind:       entry.Kind,
		Amount:     money.Format(entry.Amount),
		Fee:        money.Format(entry.Fee),
		Status:     entry.Status,
		Balance:    money.Format(balance),
		OccurredAt: time.Now().UTC(),
	}
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, LedgerEvent) error { return nil }
