package handlers

import (
	"net/http"

	"coinvest/internal/config"
	"coinvest/internal/db"
	"coinvest/internal/middleware"
	"coinvest/internal/models"
	"coinvest/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Handler struct {
	txRunner db.TxRunner
	cfg      config.Config
	users    UserStore
	accounts AccountStore
	admin    AdminStore
	audit    AuditStore
	ledger   LedgerService
	hub      *websocket.Hub
}

func New(txRunner db.TxRunner, cfg config.Config, users UserStore, accounts AccountStore, admin AdminStore, audit AuditStore, ledger LedgerService, hub *websocket.Hub) *Handler {
	return &Handler{
		txRunner: txRunner,
		cfg:      cfg,
		users:    users,
		accounts: accounts,
		admin:    admin,
		audit:    audit,
		ledger:   ledger,
		hub:      hub,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	requireAuth := middleware.Auth(h.cfg.JWTSecret)

	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.With(requireAuth).Get("/me", h.Me)
	})

	router.Route("/wallets", func(r chi.Router) {
		r.Get("/policies", h.ListPolicies)
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/", h.ListWallets)
			r.Get("/entries", h.ListEntries)
			r.Post("/deposits", h.RequestDeposit)
			r.Post("/withdrawals", h.RequestWithdrawal)
			r.Get("/{currency}", h.GetWallet)
			r.Get("/{currency}/replay", h.ReplayWallet)
		})
	})
	router.Get("/ws/balances", h.WSBalances)

	router.Route("/admin", func(r chi.Router) {
		r.Use(requireAuth)
		r.With(middleware.RequireAdmin(h.admin, models.RoleReviewEntries)).Get("/entries/pending", h.ListPendingEntries)
		r.With(middleware.RequireAdmin(h.admin, models.RoleReviewEntries)).Post("/entries/{id}/approve", h.ApproveEntry)
		r.With(middleware.RequireAdmin(h.admin, models.RoleReviewEntries)).Post("/entries/{id}/reject", h.RejectEntry)
		r.With(middleware.RequireAdmin(h.admin, models.RoleAdjustBalances)).Post("/adjustments", h.AdjustBalance)
		r.With(middleware.RequireAdmin(h.admin, models.RoleViewAudit)).Get("/accounts", h.AdminListAccounts)
		r.With(middleware.RequireAdmin(h.admin, models.RoleViewAudit)).Get("/reconcile", h.Reconcile)
		r.With(middleware.RequireAdmin(h.admin, models.RoleViewAudit)).Get("/stats", h.Stats)
		r.With(middleware.RequireAdmin(h.admin, models.RoleViewAudit)).Get("/audit", h.ListAuditLogs)
		r.With(middleware.RequireSuperAdmin(h.admin)).Post("/promote", h.PromoteAdmin)
		r.With(middleware.RequireSuperAdmin(h.admin)).Post("/roles/grant", h.GrantRole)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
