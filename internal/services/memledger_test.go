package services

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"coinvest/internal/models"
	"coinvest/internal/store"
	"coinvest/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// memLedger is an in-memory stand-in for the Postgres schema. WithTx runs one
// transaction at a time and restores the previous state when fn fails, which
// gives the same visible behaviour as row locks plus rollback.
type memLedger struct {
	txMu sync.Mutex

	mu       sync.Mutex
	accounts map[string]models.Account
	entries  []models.LedgerEntry
	seq      int64
	audits   int

	failInsert error
}

type memState struct {
	accounts map[string]models.Account
	entries  []models.LedgerEntry
	seq      int64
	audits   int
}

func newMemLedger() *memLedger {
	return &memLedger{accounts: make(map[string]models.Account)}
}

func (m *memLedger) addAccount(userID, currency, balance string) models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := models.Account{
		ID:       userID + "-" + currency,
		UserID:   userID,
		Currency: currency,
		Balance:  decimal.RequireFromString(balance),
	}
	m.accounts[account.ID] = account
	if account.Balance.IsPositive() {
		m.seq++
		seq := m.seq
		m.entries = append(m.entries, models.LedgerEntry{
			ID:            int64(len(m.entries) + 1),
			AccountID:     account.ID,
			UserID:        userID,
			Currency:      currency,
			Type:          models.TypeAdjustment,
			Kind:          models.KindCredit,
			Amount:        account.Balance,
			Status:        models.StatusApproved,
			SettlementSeq: &seq,
		})
	}
	return account
}

func (m *memLedger) balance(accountID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[accountID].Balance
}

func (m *memLedger) entry(id int64) models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id-1]
}

// approvedSum is the balance implied by the approved entries of an account.
func (m *memLedger) approvedSum(accountID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, entry := range m.entries {
		if entry.AccountID == accountID && entry.Status == models.StatusApproved {
			sum = sum.Add(entry.Effect())
		}
	}
	return sum
}

func (m *memLedger) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := make(map[string]models.Account, len(m.accounts))
	for id, account := range m.accounts {
		accounts[id] = account
	}
	entries := make([]models.LedgerEntry, len(m.entries))
	copy(entries, m.entries)
	return memState{accounts: accounts, entries: entries, seq: m.seq, audits: m.audits}
}

func (m *memLedger) restore(state memState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = state.accounts
	m.entries = state.entries
	m.seq = state.seq
	m.audits = state.audits
}

func (m *memLedger) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	before := m.snapshot()
	if err := fn(nil); err != nil {
		m.restore(before)
		return err
	}
	return nil
}

func (m *memLedger) service() *LedgerService {
	return NewLedgerService(m, memAccounts{m}, memEntries{m}, memAudit{m}, &stubHub{}, nil, DefaultPolicies(), time.Second)
}

type memAccounts struct{ m *memLedger }

func (a memAccounts) GetByUser(_ context.Context, userID string) ([]models.Account, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	var out []models.Account
	for _, account := range a.m.accounts {
		if account.UserID == userID {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (a memAccounts) GetByUserAndCurrency(_ context.Context, userID, currency string) (models.Account, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	for _, account := range a.m.accounts {
		if account.UserID == userID && account.Currency == currency {
			return account, nil
		}
	}
	return models.Account{}, sql.ErrNoRows
}

func (a memAccounts) Find(ctx context.Context, _ store.Getter, userID, currency string) (models.Account, error) {
	return a.GetByUserAndCurrency(ctx, userID, currency)
}

func (a memAccounts) GetByID(_ context.Context, _ store.Getter, accountID string) (models.Account, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	account, ok := a.m.accounts[accountID]
	if !ok {
		return models.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (a memAccounts) GetForUpdate(ctx context.Context, _ store.Getter, userID, currency string) (models.Account, error) {
	return a.GetByUserAndCurrency(ctx, userID, currency)
}

func (a memAccounts) GetByIDForUpdate(ctx context.Context, q store.Getter, accountID string) (models.Account, error) {
	return a.GetByID(ctx, q, accountID)
}

func (a memAccounts) UpdateBalance(_ context.Context, _ store.Execer, accountID string, balance decimal.Decimal) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if balance.IsNegative() {
		return errors.New("check constraint accounts_balance_check violated")
	}
	account, ok := a.m.accounts[accountID]
	if !ok {
		return store.ErrNoRowsAffected
	}
	account.Balance = balance
	a.m.accounts[accountID] = account
	return nil
}

type memEntries struct{ m *memLedger }

func (e memEntries) Insert(_ context.Context, _ store.Getter, input store.LedgerEntryInput) (models.LedgerEntry, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if e.m.failInsert != nil {
		return models.LedgerEntry{}, e.m.failInsert
	}
	entry := models.LedgerEntry{
		ID:          int64(len(e.m.entries) + 1),
		AccountID:   input.AccountID,
		UserID:      input.UserID,
		Currency:    input.Currency,
		Type:        input.Type,
		Kind:        input.Kind,
		Amount:      input.Amount,
		Fee:         input.Fee,
		Description: input.Description,
		Status:      input.Status,
		Reference:   input.Reference,
		AdminID:     input.AdminID,
		CreatedAt:   time.Now(),
	}
	if entry.Status == models.StatusApproved {
		e.m.seq++
		seq := e.m.seq
		entry.SettlementSeq = &seq
	}
	e.m.entries = append(e.m.entries, entry)
	return entry, nil
}

func (e memEntries) GetForUpdate(_ context.Context, _ store.Getter, entryID int64) (models.LedgerEntry, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if entryID < 1 || int(entryID) > len(e.m.entries) {
		return models.LedgerEntry{}, sql.ErrNoRows
	}
	return e.m.entries[entryID-1], nil
}

func (e memEntries) settle(entryID int64, status, reviewerID, note string) (models.LedgerEntry, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if entryID < 1 || int(entryID) > len(e.m.entries) {
		return models.LedgerEntry{}, sql.ErrNoRows
	}
	entry := e.m.entries[entryID-1]
	if entry.Status != models.StatusPending {
		return models.LedgerEntry{}, sql.ErrNoRows
	}
	now := time.Now()
	entry.Status = status
	entry.ReviewedBy = &reviewerID
	entry.ReviewNote = &note
	entry.SettledAt = &now
	if status == models.StatusApproved {
		e.m.seq++
		seq := e.m.seq
		entry.SettlementSeq = &seq
	}
	e.m.entries[entryID-1] = entry
	return entry, nil
}

func (e memEntries) MarkApproved(_ context.Context, _ store.Getter, entryID int64, reviewerID, note string) (models.LedgerEntry, error) {
	return e.settle(entryID, models.StatusApproved, reviewerID, note)
}

func (e memEntries) MarkRejected(_ context.Context, _ store.Getter, entryID int64, reviewerID, note string) (models.LedgerEntry, error) {
	return e.settle(entryID, models.StatusRejected, reviewerID, note)
}

func (e memEntries) List(_ context.Context, filter store.EntryFilter) ([]models.LedgerEntry, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(e.m.entries) - 1; i >= 0; i-- {
		entry := e.m.entries[i]
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if filter.Currency != "" && entry.Currency != filter.Currency {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (e memEntries) ListPending(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	return e.List(ctx, store.EntryFilter{Status: models.StatusPending, Limit: limit, Offset: offset})
}

func (e memEntries) ListSettled(_ context.Context, _ store.Selecter, accountID string) ([]models.LedgerEntry, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	var out []models.LedgerEntry
	for _, entry := range e.m.entries {
		if entry.AccountID == accountID && entry.Status == models.StatusApproved {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].SettlementSeq < *out[j].SettlementSeq })
	return out, nil
}

func (e memEntries) Totals(context.Context) ([]store.CurrencyTotals, error) {
	return nil, nil
}

type memAudit struct{ m *memLedger }

func (a memAudit) Log(context.Context, store.Execer, string, string, string, string, string) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.audits++
	return nil
}

type stubHub struct {
	mu    sync.Mutex
	calls []websocket.BalanceUpdate
}

func (s *stubHub) BroadcastBalance(_ string, update websocket.BalanceUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, update)
}
