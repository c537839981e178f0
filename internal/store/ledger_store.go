package store

import (
	"context"
	"strconv"
	"strings"

	"coinvest/internal/models"

	"github.com/shopspring/decimal"
)

const entryColumns = `id, account_id, user_id, currency, type, kind, amount, fee, description, status,
	reference, admin_id, reviewed_by, review_note, settlement_seq, created_at, settled_at`

type LedgerStore struct {
	db DB
}

type LedgerEntryInput struct {
	AccountID   string
	UserID      string
	Currency    string
	Type        string
	Kind        string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	Description string
	Status      string
	Reference   string
	AdminID     *string
}

// EntryFilter narrows List. Empty fields match everything.
type EntryFilter struct {
	UserID   string
	Currency string
	Status   string
	Type     string
	Limit    int
	Offset   int
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Insert writes a new entry and returns it with its assigned id. Entries
// inserted as approved take their settlement sequence immediately.
func (s *LedgerStore) Insert(ctx context.Context, tx Getter, input LedgerEntryInput) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := tx.GetContext(ctx, &row, `
		INSERT INTO ledger_entries (account_id, user_id, currency, type, kind, amount, fee, description, status, reference, admin_id,
		                            settlement_seq, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        CASE WHEN $9::text = 'approved' THEN nextval('ledger_settlement_seq') END,
		        CASE WHEN $9::text = 'approved' THEN NOW() END)
		RETURNING `+entryColumns,
		input.AccountID, input.UserID, input.Currency, input.Type, input.Kind, input.Amount, input.Fee,
		input.Description, input.Status, input.Reference, input.AdminID,
	)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

func (s *LedgerStore) GetByID(ctx context.Context, entryID int64) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := s.db.GetContext(ctx, &row, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

func (s *LedgerStore) GetForUpdate(ctx context.Context, tx Getter, entryID int64) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := tx.GetContext(ctx, &row, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1
		FOR UPDATE
	`, entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

// MarkApproved moves a pending entry to approved. It returns sql.ErrNoRows
// when the entry is no longer pending.
func (s *LedgerStore) MarkApproved(ctx context.Context, tx Getter, entryID int64, reviewerID, note string) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := tx.GetContext(ctx, &row, `
		UPDATE ledger_entries
		SET status = 'approved',
		    reviewed_by = $2,
		    review_note = NULLIF($3, ''),
		    settlement_seq = nextval('ledger_settlement_seq'),
		    settled_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+entryColumns,
		entryID, reviewerID, note,
	)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

// MarkRejected moves a pending entry to rejected. It returns sql.ErrNoRows
// when the entry is no longer pending.
func (s *LedgerStore) MarkRejected(ctx context.Context, tx Getter, entryID int64, reviewerID, note string) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := tx.GetContext(ctx, &row, `
		UPDATE ledger_entries
		SET status = 'rejected',
		    reviewed_by = $2,
		    review_note = NULLIF($3, ''),
		    settled_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+entryColumns,
		entryID, reviewerID, note,
	)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

func (s *LedgerStore) List(ctx context.Context, filter EntryFilter) ([]models.LedgerEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, column+" = $"+strconv.Itoa(len(args)))
	}
	add("user_id", filter.UserID)
	add("currency", filter.Currency)
	add("status", filter.Status)
	add("type", filter.Type)

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	args = append(args, filter.Limit, filter.Offset)
	query += " LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))

	var rows []models.LedgerEntry
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *LedgerStore) ListPending(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListSettled returns the approved entries of an account in the order they
// were applied.
func (s *LedgerStore) ListSettled(ctx context.Context, q Selecter, accountID string) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := q.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND status = 'approved'
		ORDER BY settlement_seq
	`, accountID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CurrencyTotals summarises settled activity for one currency.
type CurrencyTotals struct {
	Currency            string          `db:"currency" json:"currency"`
	ApprovedDeposits    decimal.Decimal `db:"approved_deposits" json:"approved_deposits"`
	ApprovedWithdrawals decimal.Decimal `db:"approved_withdrawals" json:"approved_withdrawals"`
	CollectedFees       decimal.Decimal `db:"collected_fees" json:"collected_fees"`
	PendingEntries      int             `db:"pending_entries" json:"pending_entries"`
}

func (s *LedgerStore) Totals(ctx context.Context) ([]CurrencyTotals, error) {
	var rows []CurrencyTotals
	err := s.db.SelectContext(ctx, &rows, `
		SELECT currency,
		       COALESCE(SUM(amount) FILTER (WHERE type = 'deposit' AND status = 'approved'), 0) AS approved_deposits,
		       COALESCE(SUM(amount) FILTER (WHERE type = 'withdrawal' AND status = 'approved'), 0) AS approved_withdrawals,
		       COALESCE(SUM(fee) FILTER (WHERE status = 'approved'), 0) AS collected_fees,
		       COUNT(*) FILTER (WHERE status = 'pending') AS pending_entries
		FROM ledger_entries
		GROUP BY currency
		ORDER BY currency
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
