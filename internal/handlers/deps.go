package handlers

import (
	"context"

	"coinvest/internal/models"
	"coinvest/internal/services"
	"coinvest/internal/store"

	"github.com/shopspring/decimal"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, user models.User) error
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, userID string) (models.User, error)
	ResolveID(ctx context.Context, identifier string) (string, error)
}

type AccountStore interface {
	Create(ctx context.Context, tx store.Execer, id, userID, currency string) error
	ListAllWithUsers(ctx context.Context, limit, offset int) ([]store.AccountWithUser, error)
	Reconcile(ctx context.Context, onlyMismatched bool) ([]store.AccountReconciliation, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	Roles(ctx context.Context, userID string) ([]string, error)
	CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error
	HasAnyAdmin(ctx context.Context, q store.Getter) (bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	List(ctx context.Context, limit, offset int) ([]store.AuditLog, error)
}

type LedgerService interface {
	ApplyLedgerChange(ctx context.Context, req services.ApplyChangeRequest) (decimal.Decimal, models.LedgerEntry, error)
	RequestWithdrawal(ctx context.Context, req services.WithdrawalRequest) (models.LedgerEntry, error)
	RequestDeposit(ctx context.Context, req services.DepositRequest) (models.LedgerEntry, error)
	ApproveEntry(ctx context.Context, req services.SettleRequest) (models.LedgerEntry, decimal.Decimal, error)
	RejectEntry(ctx context.Context, req services.SettleRequest) (models.LedgerEntry, error)
	Accounts(ctx context.Context, userID string) ([]models.Account, error)
	Account(ctx context.Context, userID, currency string) (models.Account, error)
	Entries(ctx context.Context, filter store.EntryFilter) ([]models.LedgerEntry, error)
	PendingEntries(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error)
	Replay(ctx context.Context, userID, currency string) (services.ReplayResult, error)
	Totals(ctx context.Context) ([]store.CurrencyTotals, error)
	Policies() []services.CurrencyPolicy
	Policy(currency string) (services.CurrencyPolicy, error)
}
