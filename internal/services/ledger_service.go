package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"coinvest/internal/db"
	"coinvest/internal/events"
	"coinvest/internal/models"
	"coinvest/internal/money"
	"coinvest/internal/store"
	"coinvest/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	publishTimeout  = 5 * time.Second
)

type LedgerService struct {
	txRunner        db.TxRunner
	accountStore    AccountStore
	ledgerStore     LedgerStore
	auditStore      AuditStore
	hub             BalanceHub
	publisher       events.Publisher
	policies        PolicyTable
	mutationTimeout time.Duration
}

type AccountStore interface {
	GetByUser(ctx context.Context, userID string) ([]models.Account, error)
	GetByUserAndCurrency(ctx context.Context, userID, currency string) (models.Account, error)
	Find(ctx context.Context, q store.Getter, userID, currency string) (models.Account, error)
	GetByID(ctx context.Context, q store.Getter, accountID string) (models.Account, error)
	GetForUpdate(ctx context.Context, tx store.Getter, userID, currency string) (models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Account, error)
	UpdateBalance(ctx context.Context, tx store.Execer, accountID string, balance decimal.Decimal) error
}

type LedgerStore interface {
	Insert(ctx context.Context, tx store.Getter, input store.LedgerEntryInput) (models.LedgerEntry, error)
	GetForUpdate(ctx context.Context, tx store.Getter, entryID int64) (models.LedgerEntry, error)
	MarkApproved(ctx context.Context, tx store.Getter, entryID int64, reviewerID, note string) (models.LedgerEntry, error)
	MarkRejected(ctx context.Context, tx store.Getter, entryID int64, reviewerID, note string) (models.LedgerEntry, error)
	List(ctx context.Context, filter store.EntryFilter) ([]models.LedgerEntry, error)
	ListPending(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error)
	ListSettled(ctx context.Context, q store.Selecter, accountID string) ([]models.LedgerEntry, error)
	Totals(ctx context.Context) ([]store.CurrencyTotals, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type BalanceHub interface {
	BroadcastBalance(userID string, update websocket.BalanceUpdate)
}

// NewLedgerService builds the service. mutationTimeout bounds each balance
// mutation including lock waits and retries; zero disables the bound.
func NewLedgerService(txRunner db.TxRunner, accountStore AccountStore, ledgerStore LedgerStore, auditStore AuditStore, hub BalanceHub, publisher events.Publisher, policies PolicyTable, mutationTimeout time.Duration) *LedgerService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &LedgerService{
		txRunner:        txRunner,
		accountStore:    accountStore,
		ledgerStore:     ledgerStore,
		auditStore:      auditStore,
		hub:             hub,
		publisher:       publisher,
		policies:        policies,
		mutationTimeout: mutationTimeout,
	}
}

type ApplyChangeRequest struct {
	UserID       string
	Currency     string
	SignedAmount decimal.Decimal
	Description  string
	AdminID      string
}

type WithdrawalRequest struct {
	UserID   string
	Currency string
	Amount   decimal.Decimal
	Address  string
}

type DepositRequest struct {
	UserID         string
	Currency       string
	Amount         decimal.Decimal
	ProofReference string
}

type SettleRequest struct {
	EntryID int64
	AdminID string
	Note    string
}

type ReplayResult struct {
	AccountID  string          `json:"account_id"`
	Currency   string          `json:"currency"`
	Stored     decimal.Decimal `json:"stored"`
	Replayed   decimal.Decimal `json:"replayed"`
	Entries    int             `json:"entries"`
	Consistent bool            `json:"consistent"`
	// FirstNegativeEntry is the first entry after which the running total
	// dropped below zero, if any.
	FirstNegativeEntry *int64 `json:"first_negative_entry,omitempty"`
}

// ApplyLedgerChange credits or debits an account immediately and records an
// approved adjustment entry. A change that would leave the balance negative
// is rejected with ErrInsufficientBalance and nothing is written.
func (s *LedgerService) ApplyLedgerChange(ctx context.Context, req ApplyChangeRequest) (decimal.Decimal, models.LedgerEntry, error) {
	if req.SignedAmount.IsZero() {
		return decimal.Zero, models.LedgerEntry{}, ErrInvalidAmount
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return decimal.Zero, models.LedgerEntry{}, ErrInvalidDescription
	}
	policy, ok := s.policies.Lookup(req.Currency)
	if !ok {
		return decimal.Zero, models.LedgerEntry{}, ErrInvalidCurrency
	}

	var (
		newBalance decimal.Decimal
		entry      models.LedgerEntry
	)
	err := s.mutate(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		account, err := s.lockAccount(ctx, tx, req.UserID, policy.Currency)
		if err != nil {
			return err
		}
		newBalance, err = s.applyChange(ctx, tx, account, req.SignedAmount)
		if err != nil {
			return err
		}
		kind := models.KindCredit
		if req.SignedAmount.IsNegative() {
			kind = models.KindDebit
		}
		entry, err = s.ledgerStore.Insert(ctx, tx, store.LedgerEntryInput{
			AccountID:   account.ID,
			UserID:      req.UserID,
			Currency:    policy.Currency,
			Type:        models.TypeAdjustment,
			Kind:        kind,
			Amount:      req.SignedAmount.Abs(),
			Fee:         decimal.Zero,
			Description: description,
			Status:      models.StatusApproved,
			AdminID:     optionalString(req.AdminID),
		})
		if err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}
		return s.audit(ctx, tx, actorOr(req.AdminID, req.UserID), "ledger.adjust", entry, map[string]string{
			"amount":      money.Format(req.SignedAmount),
			"balance":     money.Format(newBalance),
			"description": description,
		})
	})
	if err != nil {
		return decimal.Zero, models.LedgerEntry{}, err
	}
	s.notify(ctx, entry, newBalance)
	return newBalance, entry, nil
}

// RequestWithdrawal records a pending withdrawal after checking the minimum
// and that amount plus fee is covered by the current balance. The balance
// is not touched until the entry is approved.
func (s *LedgerService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (models.LedgerEntry, error) {
	if !req.Amount.IsPositive() {
		return models.LedgerEntry{}, ErrInvalidAmount
	}
	policy, ok := s.policies.Lookup(req.Currency)
	if !ok {
		return models.LedgerEntry{}, ErrInvalidCurrency
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return models.LedgerEntry{}, ErrInvalidAddress
	}

	var (
		entry   models.LedgerEntry
		balance decimal.Decimal
	)
	err := s.mutate(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		account, err := s.lockAccount(ctx, tx, req.UserID, policy.Currency)
		if err != nil {
			return err
		}
		if err := policy.AdmitWithdrawal(req.Amount, account.Balance); err != nil {
			return err
		}
		balance = account.Balance
		entry, err = s.ledgerStore.Insert(ctx, tx, store.LedgerEntryInput{
			AccountID:   account.ID,
			UserID:      req.UserID,
			Currency:    policy.Currency,
			Type:        models.TypeWithdrawal,
			Kind:        models.KindDebit,
			Amount:      req.Amount,
			Fee:         policy.Fee,
			Description: "Withdrawal request",
			Status:      models.StatusPending,
			Reference:   address,
		})
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		return s.audit(ctx, tx, req.UserID, "ledger.withdrawal_requested", entry, map[string]string{
			"amount":  money.Format(req.Amount),
			"fee":     money.Format(policy.Fee),
			"address": address,
		})
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	s.notify(ctx, entry, balance)
	return entry, nil
}

// RequestDeposit records a pending deposit backed by a proof reference.
func (s *LedgerService) RequestDeposit(ctx context.Context, req DepositRequest) (models.LedgerEntry, error) {
	if !req.Amount.IsPositive() {
		return models.LedgerEntry{}, ErrInvalidAmount
	}
	policy, ok := s.policies.Lookup(req.Currency)
	if !ok {
		return models.LedgerEntry{}, ErrInvalidCurrency
	}
	proof := strings.TrimSpace(req.ProofReference)
	if proof == "" {
		return models.LedgerEntry{}, ErrInvalidProof
	}

	var (
		entry   models.LedgerEntry
		balance decimal.Decimal
	)
	err := s.mutate(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		account, err := s.accountStore.Find(ctx, tx, req.UserID, policy.Currency)
		if err != nil {
			return accountError(err)
		}
		balance = account.Balance
		entry, err = s.ledgerStore.Insert(ctx, tx, store.LedgerEntryInput{
			AccountID:   account.ID,
			UserID:      req.UserID,
			Currency:    policy.Currency,
			Type:        models.TypeDeposit,
			Kind:        models.KindCredit,
			Amount:      req.Amount,
			Fee:         decimal.Zero,
			Description: "Deposit request",
			Status:      models.StatusPending,
			Reference:   proof,
		})
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}
		return s.audit(ctx, tx, req.UserID, "ledger.deposit_requested", entry, map[string]string{
			"amount": money.Format(req.Amount),
			"proof":  proof,
		})
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	s.notify(ctx, entry, balance)
	return entry, nil
}

// ApproveEntry settles a pending entry: its effect is applied to the account
// and the entry becomes approved, at most once. Withdrawals are checked
// again against the balance at approval time; a failed check leaves the
// entry pending.
func (s *LedgerService) ApproveEntry(ctx context.Context, req SettleRequest) (models.LedgerEntry, decimal.Decimal, error) {
	var (
		approved   models.LedgerEntry
		newBalance decimal.Decimal
	)
	err := s.mutate(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		entry, err := s.lockPendingEntry(ctx, tx, req.EntryID)
		if err != nil {
			return err
		}
		account, err := s.accountStore.GetByIDForUpdate(ctx, tx, entry.AccountID)
		if err != nil {
			return accountError(err)
		}
		if entry.Type == models.TypeWithdrawal {
			policy, ok := s.policies.Lookup(entry.Currency)
			if !ok {
				return ErrInvalidCurrency
			}
			if err := admitWithdrawal(policy.MinimumWithdrawal, entry.Fee, entry.Amount, account.Balance); err != nil {
				return err
			}
		}
		newBalance, err = s.applyChange(ctx, tx, account, entry.Effect())
		if err != nil {
			return err
		}
		approved, err = s.ledgerStore.MarkApproved(ctx, tx, entry.ID, req.AdminID, strings.TrimSpace(req.Note))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEntryNotPending
		}
		if err != nil {
			return fmt.Errorf("approve entry: %w", err)
		}
		return s.audit(ctx, tx, req.AdminID, "ledger.approve", approved, map[string]string{
			"effect":  money.Format(entry.Effect()),
			"balance": money.Format(newBalance),
			"note":    req.Note,
		})
	})
	if err != nil {
		return models.LedgerEntry{}, decimal.Zero, err
	}
	s.notify(ctx, approved, newBalance)
	return approved, newBalance, nil
}

// RejectEntry closes a pending entry without touching the balance.
func (s *LedgerService) RejectEntry(ctx context.Context, req SettleRequest) (models.LedgerEntry, error) {
	var (
		rejected models.LedgerEntry
		balance  decimal.Decimal
	)
	err := s.mutate(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		entry, err := s.lockPendingEntry(ctx, tx, req.EntryID)
		if err != nil {
			return err
		}
		rejected, err = s.ledgerStore.MarkRejected(ctx, tx, entry.ID, req.AdminID, strings.TrimSpace(req.Note))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEntryNotPending
		}
		if err != nil {
			return fmt.Errorf("reject entry: %w", err)
		}
		account, err := s.accountStore.GetByID(ctx, tx, entry.AccountID)
		if err != nil {
			return accountError(err)
		}
		balance = account.Balance
		return s.audit(ctx, tx, req.AdminID, "ledger.reject", rejected, map[string]string{
			"note": req.Note,
		})
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	s.notify(ctx, rejected, balance)
	return rejected, nil
}

func (s *LedgerService) Accounts(ctx context.Context, userID string) ([]models.Account, error) {
	return s.accountStore.GetByUser(ctx, userID)
}

func (s *LedgerService) Account(ctx context.Context, userID, currency string) (models.Account, error) {
	policy, ok := s.policies.Lookup(currency)
	if !ok {
		return models.Account{}, ErrInvalidCurrency
	}
	account, err := s.accountStore.GetByUserAndCurrency(ctx, userID, policy.Currency)
	if err != nil {
		return models.Account{}, accountError(err)
	}
	return account, nil
}

// Entries lists entries newest first. Currency and type are validated so a
// typo does not silently return an empty page.
func (s *LedgerService) Entries(ctx context.Context, filter store.EntryFilter) ([]models.LedgerEntry, error) {
	if filter.Currency != "" {
		policy, ok := s.policies.Lookup(filter.Currency)
		if !ok {
			return nil, ErrInvalidCurrency
		}
		filter.Currency = policy.Currency
	}
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)
	return s.ledgerStore.List(ctx, filter)
}

func (s *LedgerService) PendingEntries(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	limit, offset = clampPage(limit, offset)
	return s.ledgerStore.ListPending(ctx, limit, offset)
}

// Replay re-derives an account balance from its approved entries in
// settlement order and compares it with the stored balance.
func (s *LedgerService) Replay(ctx context.Context, userID, currency string) (ReplayResult, error) {
	policy, ok := s.policies.Lookup(currency)
	if !ok {
		return ReplayResult{}, ErrInvalidCurrency
	}
	var result ReplayResult
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		account, err := s.accountStore.Find(ctx, tx, userID, policy.Currency)
		if err != nil {
			return accountError(err)
		}
		entries, err := s.ledgerStore.ListSettled(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("list settled entries: %w", err)
		}
		result = replay(account, entries)
		return nil
	})
	if err != nil {
		return ReplayResult{}, err
	}
	return result, nil
}

func (s *LedgerService) Totals(ctx context.Context) ([]store.CurrencyTotals, error) {
	return s.ledgerStore.Totals(ctx)
}

func (s *LedgerService) Policies() []CurrencyPolicy {
	return s.policies.All()
}

func (s *LedgerService) Policy(currency string) (CurrencyPolicy, error) {
	policy, ok := s.policies.Lookup(currency)
	if !ok {
		return CurrencyPolicy{}, ErrInvalidCurrency
	}
	return policy, nil
}

func replay(account models.Account, entries []models.LedgerEntry) ReplayResult {
	result := ReplayResult{
		AccountID: account.ID,
		Currency:  account.Currency,
		Stored:    account.Balance,
		Replayed:  decimal.Zero,
		Entries:   len(entries),
	}
	for _, entry := range entries {
		result.Replayed = result.Replayed.Add(entry.Effect())
		if result.Replayed.IsNegative() && result.FirstNegativeEntry == nil {
			id := entry.ID
			result.FirstNegativeEntry = &id
		}
	}
	result.Consistent = result.FirstNegativeEntry == nil && result.Replayed.Equal(result.Stored)
	return result
}

// mutate runs fn in a transaction bounded by mutationTimeout. Running out of
// time before commit is reported as ErrLockTimeout.
func (s *LedgerService) mutate(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
	txCtx := ctx
	if s.mutationTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, s.mutationTimeout)
		defer cancel()
	}
	err := s.txRunner.WithTx(txCtx, func(tx *sqlx.Tx) error {
		return fn(txCtx, tx)
	})
	if err == nil || errors.Is(err, ErrLockTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (txCtx.Err() != nil && ctx.Err() == nil) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}

// applyChange is the only place a balance is written. account must already
// be locked by the caller's transaction.
func (s *LedgerService) applyChange(ctx context.Context, tx *sqlx.Tx, account models.Account, delta decimal.Decimal) (decimal.Decimal, error) {
	next := account.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientBalance
	}
	if err := s.accountStore.UpdateBalance(ctx, tx, account.ID, next); err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}
	return next, nil
}

func (s *LedgerService) lockAccount(ctx context.Context, tx *sqlx.Tx, userID, currency string) (models.Account, error) {
	account, err := s.accountStore.GetForUpdate(ctx, tx, userID, currency)
	if err != nil {
		return models.Account{}, accountError(err)
	}
	return account, nil
}

func (s *LedgerService) lockPendingEntry(ctx context.Context, tx *sqlx.Tx, entryID int64) (models.LedgerEntry, error) {
	if entryID <= 0 {
		return models.LedgerEntry{}, ErrEntryNotFound
	}
	entry, err := s.ledgerStore.GetForUpdate(ctx, tx, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("lock entry: %w", err)
	}
	if !entry.IsPending() {
		return models.LedgerEntry{}, ErrEntryNotPending
	}
	return entry, nil
}

func (s *LedgerService) audit(ctx context.Context, tx *sqlx.Tx, actorID, action string, entry models.LedgerEntry, fields map[string]string) error {
	fields["currency"] = entry.Currency
	fields["user_id"] = entry.UserID
	data, _ := json.Marshal(fields)
	if err := s.auditStore.Log(ctx, tx, actorID, action, "ledger_entry", strconv.FormatInt(entry.ID, 10), string(data)); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// notify runs after commit. Failures are logged and never undo the change.
func (s *LedgerService) notify(ctx context.Context, entry models.LedgerEntry, balance decimal.Decimal) {
	s.hub.BroadcastBalance(entry.UserID, websocket.BalanceUpdate{
		Currency: entry.Currency,
		Balance:  money.Format(balance),
		EntryID:  entry.ID,
		Status:   entry.Status,
		Type:     entry.Type,
	})
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, events.FromEntry(entry, balance)); err != nil {
		log.Printf("ledger: publish event for entry %d: %v", entry.ID, err)
	}
}

func accountError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	return fmt.Errorf("load account: %w", err)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	return fallback
}
