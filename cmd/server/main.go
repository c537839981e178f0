package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinvest/internal/config"
	"coinvest/internal/db"
	"coinvest/internal/events"
	"coinvest/internal/events/kafka"
	"coinvest/internal/handlers"
	"coinvest/internal/services"
	"coinvest/internal/store"
	"coinvest/internal/websocket"
)

func main() {
	cfg := config.Load()
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.Close()

	policies, err := services.LoadPolicies(cfg.CurrencyPolicyFile)
	if err != nil {
		log.Fatalf("failed to load currency policies: %v", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				log.Printf("kafka publisher close: %v", err)
			}
		}()
		publisher = kafkaPublisher
		log.Printf("publishing ledger events to %s on %v", cfg.KafkaTopic, cfg.KafkaBrokers)
	}

	users := store.NewUserStore(database)
	accounts := store.NewAccountStore(database)
	ledgerEntries := store.NewLedgerStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database, cfg.LockTimeout)
	hub := websocket.NewHub(cfg.Origins()...)
	// Each mutation may wait on two row locks.
	ledger := services.NewLedgerService(txRunner, accounts, ledgerEntries, audit, hub, publisher, policies, 2*cfg.LockTimeout)

	handler := handlers.New(txRunner, cfg, users, accounts, admin, audit, ledger, hub)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("coinvest API listening on %s (currencies %v)", server.Addr, policies.Currencies())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
