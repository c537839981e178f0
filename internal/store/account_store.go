package store

import (
	"context"
	"time"

	"coinvest/internal/models"

	"github.com/shopspring/decimal"
)

const accountColumns = `id, user_id, currency, balance, created_at, updated_at`

type AccountStore struct {
	db DB
}

// AccountReconciliation compares an account's stored balance with the sum of
// its approved ledger entries.
type AccountReconciliation struct {
	ID                string          `db:"id" json:"id"`
	UserID            string          `db:"user_id" json:"user_id"`
	Currency          string          `db:"currency" json:"currency"`
	StoredBalance     decimal.Decimal `db:"stored_balance" json:"stored_balance"`
	CalculatedBalance decimal.Decimal `db:"calculated_balance" json:"calculated_balance"`
	Difference        decimal.Decimal `db:"difference" json:"difference"`
}

type AccountWithUser struct {
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Currency  string          `db:"currency" json:"currency"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	Email     string          `db:"email" json:"email"`
	FullName  string          `db:"full_name" json:"full_name"`
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, tx Execer, id, userID, currency string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, currency, balance)
		VALUES ($1, $2, $3, 0)
	`, id, userID, currency)
	return err
}

func (s *AccountStore) GetByUser(ctx context.Context, userID string) ([]models.Account, error) {
	var rows []models.Account
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1
		ORDER BY currency
	`, userID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *AccountStore) GetByUserAndCurrency(ctx context.Context, userID, currency string) (models.Account, error) {
	return s.Find(ctx, s.db, userID, currency)
}

// Find reads an account without locking it. q may be the store's DB or an
// open transaction.
func (s *AccountStore) Find(ctx context.Context, q Getter, userID, currency string) (models.Account, error) {
	var row models.Account
	err := q.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND currency = $2
	`, userID, currency)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByID(ctx context.Context, q Getter, accountID string) (models.Account, error) {
	var row models.Account
	err := q.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, userID, currency string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByIDForUpdate(ctx context.Context, tx Getter, accountID string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) UpdateBalance(ctx context.Context, tx Execer, accountID string, balance decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, updated_at = NOW()
		WHERE id = $2
	`, balance, accountID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *AccountStore) ListAllWithUsers(ctx context.Context, limit, offset int) ([]AccountWithUser, error) {
	var rows []AccountWithUser
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.id, a.user_id, a.currency, a.balance, a.created_at,
		       u.email, u.full_name
		FROM accounts a
		JOIN users u ON u.id = a.user_id
		ORDER BY u.email, a.currency
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Reconcile lists accounts whose stored balance differs from their approved
// ledger entries. onlyMismatched=false returns every account.
func (s *AccountStore) Reconcile(ctx context.Context, onlyMismatched bool) ([]AccountReconciliation, error) {
	query := `
		SELECT a.id,
		       a.user_id,
		       a.currency,
		       a.balance AS stored_balance,
		       COALESCE(SUM(CASE WHEN l.kind = 'credit' THEN l.amount ELSE -(l.amount + l.fee) END), 0) AS calculated_balance,
		       a.balance - COALESCE(SUM(CASE WHEN l.kind = 'credit' THEN l.amount ELSE -(l.amount + l.fee) END), 0) AS difference
		FROM accounts a
		LEFT JOIN ledger_entries l ON l.account_id = a.id AND l.status = 'approved'
		GROUP BY a.id, a.user_id, a.currency, a.balance
	`
	if onlyMismatched {
		query += `
		HAVING a.balance <> COALESCE(SUM(CASE WHEN l.kind = 'credit' THEN l.amount ELSE -(l.amount + l.fee) END), 0)
	`
	}
	query += ` ORDER BY a.user_id, a.currency`
	var rows []AccountReconciliation
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	return rows, nil
}
