package handlers

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"coinvest/internal/auth"
	"coinvest/internal/config"
	"coinvest/internal/db"
	"coinvest/internal/models"
	"coinvest/internal/services"
	"coinvest/internal/store"
	"coinvest/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubUserStore struct {
	createFn     func(ctx context.Context, tx store.Execer, user models.User) error
	getByEmailFn func(ctx context.Context, email string) (models.User, error)
	getByIDFn    func(ctx context.Context, userID string) (models.User, error)
	resolveIDFn  func(ctx context.Context, identifier string) (string, error)
}

func (s stubUserStore) Create(ctx context.Context, tx store.Execer, user models.User) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, user)
}

func (s stubUserStore) GetByEmail(ctx context.Context, email string) (models.User, error) {
	if s.getByEmailFn == nil {
		return models.User{}, sql.ErrNoRows
	}
	return s.getByEmailFn(ctx, email)
}

func (s stubUserStore) GetByID(ctx context.Context, userID string) (models.User, error) {
	if s.getByIDFn == nil {
		return models.User{}, sql.ErrNoRows
	}
	return s.getByIDFn(ctx, userID)
}

func (s stubUserStore) ResolveID(ctx context.Context, identifier string) (string, error) {
	if s.resolveIDFn == nil {
		return identifier, nil
	}
	return s.resolveIDFn(ctx, identifier)
}

type stubAccountStore struct {
	createFn           func(ctx context.Context, tx store.Execer, id, userID, currency string) error
	listAllWithUsersFn func(ctx context.Context, limit, offset int) ([]store.AccountWithUser, error)
	reconcileFn        func(ctx context.Context, onlyMismatched bool) ([]store.AccountReconciliation, error)
}

func (s stubAccountStore) Create(ctx context.Context, tx store.Execer, id, userID, currency string) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, id, userID, currency)
}

func (s stubAccountStore) ListAllWithUsers(ctx context.Context, limit, offset int) ([]store.AccountWithUser, error) {
	if s.listAllWithUsersFn == nil {
		return nil, nil
	}
	return s.listAllWithUsersFn(ctx, limit, offset)
}

func (s stubAccountStore) Reconcile(ctx context.Context, onlyMismatched bool) ([]store.AccountReconciliation, error) {
	if s.reconcileFn == nil {
		return nil, nil
	}
	return s.reconcileFn(ctx, onlyMismatched)
}

type stubAdminStore struct {
	isAdminFn     func(ctx context.Context, userID string) (bool, bool, error)
	hasRoleFn     func(ctx context.Context, userID, role string) (bool, error)
	rolesFn       func(ctx context.Context, userID string) ([]string, error)
	createAdminFn func(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	grantRoleFn   func(ctx context.Context, tx store.Execer, adminUserID, role string) error
	hasAnyAdminFn func(ctx context.Context, q store.Getter) (bool, error)
}

func (s stubAdminStore) IsAdmin(ctx context.Context, userID string) (bool, bool, error) {
	if s.isAdminFn == nil {
		return false, false, nil
	}
	return s.isAdminFn(ctx, userID)
}

func (s stubAdminStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	if s.hasRoleFn == nil {
		return false, nil
	}
	return s.hasRoleFn(ctx, userID, role)
}

func (s stubAdminStore) Roles(ctx context.Context, userID string) ([]string, error) {
	if s.rolesFn == nil {
		return nil, nil
	}
	return s.rolesFn(ctx, userID)
}

func (s stubAdminStore) CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error {
	if s.createAdminFn == nil {
		return nil
	}
	return s.createAdminFn(ctx, tx, userID, isSuper, createdBy)
}

func (s stubAdminStore) GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error {
	if s.grantRoleFn == nil {
		return nil
	}
	return s.grantRoleFn(ctx, tx, adminUserID, role)
}

func (s stubAdminStore) HasAnyAdmin(ctx context.Context, q store.Getter) (bool, error) {
	if s.hasAnyAdminFn == nil {
		return true, nil
	}
	return s.hasAnyAdminFn(ctx, q)
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	listFn func(ctx context.Context, limit, offset int) ([]store.AuditLog, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) List(ctx context.Context, limit, offset int) ([]store.AuditLog, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, limit, offset)
}

// stubLedger answers policy lookups from the default table; every other
// method is driven by its fn field.
type stubLedger struct {
	applyFn    func(ctx context.Context, req services.ApplyChangeRequest) (decimal.Decimal, models.LedgerEntry, error)
	withdrawFn func(ctx context.Context, req services.WithdrawalRequest) (models.LedgerEntry, error)
	depositFn  func(ctx context.Context, req services.DepositRequest) (models.LedgerEntry, error)
	approveFn  func(ctx context.Context, req services.SettleRequest) (models.LedgerEntry, decimal.Decimal, error)
	rejectFn   func(ctx context.Context, req services.SettleRequest) (models.LedgerEntry, error)
	accountsFn func(ctx context.Context, userID string) ([]models.Account, error)
	accountFn  func(ctx context.Context, userID, currency string) (models.Account, error)
	entriesFn  func(ctx context.Context, filter store.EntryFilter) ([]models.LedgerEntry, error)
	pendingFn  func(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error)
	replayFn   func(ctx context.Context, userID, currency string) (services.ReplayResult, error)
	totalsFn   func(ctx context.Context) ([]store.CurrencyTotals, error)
}

func (s stubLedger) ApplyLedgerChange(ctx context.Context, req services.ApplyChangeRequest) (decimal.Decimal, models.LedgerEntry, error) {
	if s.applyFn == nil {
		return decimal.Zero, models.LedgerEntry{}, nil
	}
	return s.applyFn(ctx, req)
}

func (s stubLedger) RequestWithdrawal(ctx context.Context, req services.WithdrawalRequest) (models.LedgerEntry, error) {
	if s.withdrawFn == nil {
		return models.LedgerEntry{}, nil
	}
	return s.withdrawFn(ctx, req)
}

func (s stubLedger) RequestDeposit(ctx context.Context, req services.DepositRequest) (models.LedgerEntry, error) {
	if s.depositFn == nil {
		return models.LedgerEntry{}, nil
	}
	return s.depositFn(ctx, req)
}

func (s stubLedger) ApproveEntry(ctx context.Context, req services.SettleRequest) (models.LedgerEntry, decimal.Decimal, error) {
	if s.approveFn == nil {
		return models.LedgerEntry{}, decimal.Zero, nil
	}
	return s.approveFn(ctx, req)
}

func (s stubLedger) RejectEntry(ctx context.Context, req services.SettleRequest) (models.LedgerEntry, error) {
	if s.rejectFn == nil {
		return models.LedgerEntry{}, nil
	}
	return s.rejectFn(ctx, req)
}

func (s stubLedger) Accounts(ctx context.Context, userID string) ([]models.Account, error) {
	if s.accountsFn == nil {
		return nil, nil
	}
	return s.accountsFn(ctx, userID)
}

func (s stubLedger) Account(ctx context.Context, userID, currency string) (models.Account, error) {
	if s.accountFn == nil {
		return models.Account{}, services.ErrAccountNotFound
	}
	return s.accountFn(ctx, userID, currency)
}

func (s stubLedger) Entries(ctx context.Context, filter store.EntryFilter) ([]models.LedgerEntry, error) {
	if s.entriesFn == nil {
		return nil, nil
	}
	return s.entriesFn(ctx, filter)
}

func (s stubLedger) PendingEntries(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	if s.pendingFn == nil {
		return nil, nil
	}
	return s.pendingFn(ctx, limit, offset)
}

func (s stubLedger) Replay(ctx context.Context, userID, currency string) (services.ReplayResult, error) {
	if s.replayFn == nil {
		return services.ReplayResult{}, nil
	}
	return s.replayFn(ctx, userID, currency)
}

func (s stubLedger) Totals(ctx context.Context) ([]store.CurrencyTotals, error) {
	if s.totalsFn == nil {
		return nil, nil
	}
	return s.totalsFn(ctx)
}

func (s stubLedger) Policies() []services.CurrencyPolicy {
	return services.DefaultPolicies().All()
}

func (s stubLedger) Policy(currency string) (services.CurrencyPolicy, error) {
	policy, ok := services.DefaultPolicies().Lookup(currency)
	if !ok {
		return services.CurrencyPolicy{}, services.ErrInvalidCurrency
	}
	return policy, nil
}

func newTestHandler(txRunner db.TxRunner, users UserStore, accounts AccountStore, admin AdminStore, audit AuditStore, ledger LedgerService) *Handler {
	cfg := config.Config{
		AppEnv:         "test",
		Port:           "0",
		JWTSecret:      "secret",
		TokenTTL:       time.Minute,
		AllowedOrigins: "*",
	}
	return New(txRunner, cfg, users, accounts, admin, audit, ledger, websocket.NewHub())
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken("secret", userID, time.Minute)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

// serveRoute sends req through the full router as userID. An empty userID
// sends the request unauthenticated.
func serveRoute(t *testing.T, handler *Handler, req *http.Request, userID string) *httptest.ResponseRecorder {
	t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+testToken(t, userID))
	}
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)
	return rr
}

type noopConn struct{}

func (c *noopConn) Prepare(query string) (driver.Stmt, error) {
	return &noopStmt{}, nil
}

func (c *noopConn) Close() error {
	return nil
}

func (c *noopConn) Begin() (driver.Tx, error) {
	return &noopTx{}, nil
}

func (c *noopConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return &noopTx{}, nil
}

type noopStmt struct{}

func (s *noopStmt) Close() error {
	return nil
}

func (s *noopStmt) NumInput() int {
	return -1
}

func (s *noopStmt) Exec(args []driver.Value) (driver.Result, error) {
	return noopResult{}, nil
}

func (s *noopStmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, nil
}

type noopTx struct {
	committed  *int32
	rolledBack *int32
}

func (t *noopTx) Commit() error {
	if t.committed != nil {
		atomic.AddInt32(t.committed, 1)
	}
	return nil
}

func (t *noopTx) Rollback() error {
	if t.rolledBack != nil {
		atomic.AddInt32(t.rolledBack, 1)
	}
	return nil
}

type noopResult struct{}

func (r noopResult) LastInsertId() (int64, error) {
	return 0, nil
}

func (r noopResult) RowsAffected() (int64, error) {
	return 1, nil
}

var noopDriverCounter uint64

// newTestTxRunner opens real *sqlx.Tx values on a driver that does nothing,
// and reports how many transactions committed and rolled back.
func newTestTxRunner(t *testing.T) (fakeTxRunner, *int32, *int32) {
	t.Helper()
	var committed, rolledBack int32
	name := fmt.Sprintf("noop-%d", atomic.AddUint64(&noopDriverCounter, 1))
	sql.Register(name, countingDriver{committed: &committed, rolledBack: &rolledBack})
	dbConn, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("failed to open noop db: %v", err)
	}
	t.Cleanup(func() { _ = dbConn.Close() })
	xdb := sqlx.NewDb(dbConn, name)
	return fakeTxRunner{
		withTxFn: func(ctx context.Context, fn func(*sqlx.Tx) error) error {
			tx, err := xdb.BeginTxx(ctx, nil)
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				_ = tx.Rollback()
				return err
			}
			return tx.Commit()
		},
	}, &committed, &rolledBack
}

type countingDriver struct {
	committed  *int32
	rolledBack *int32
}

func (d countingDriver) Open(name string) (driver.Conn, error) {
	return &countingConn{driver: d}, nil
}

type countingConn struct {
	noopConn
	driver countingDriver
}

func (c *countingConn) Begin() (driver.Tx, error) {
	return &noopTx{committed: c.driver.committed, rolledBack: c.driver.rolledBack}, nil
}

func (c *countingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return c.Begin()
}
