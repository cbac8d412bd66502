package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"freelanceflow/internal/config"
	"freelanceflow/internal/escrow"
	"freelanceflow/internal/idempotency"
	"freelanceflow/internal/ledger"
	"freelanceflow/internal/payment"
	"freelanceflow/internal/server"
	"freelanceflow/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	var store escrow.Store
	var replays idempotency.Store
	switch cfg.Service.StoreBackend {
	case "postgres":
		pgStore, err := escrow.NewPostgresStore(ctx, cfg.Service.PostgresDSN, logger)
		if err != nil {
			logger.Fatal("escrow store", zap.Error(err))
		}
		defer pgStore.Close()
		pgStore.MinAmount = cfg.Network.Limits.MinJobAmount
		store = pgStore

		pgReplays, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			logger.Fatal("replay store", zap.Error(err))
		}
		defer pgReplays.Close()
		replays = pgReplays
	default:
		memStore := escrow.NewMemoryStore(logger)
		memStore.MinAmount = cfg.Network.Limits.MinJobAmount
		memStore.SettleDelay = cfg.Service.SettleDelay
		store = memStore
		replays = idempotency.NewMemoryStore()
	}

	bridge := wallet.NewBridge(cfg.Service.SignerBridgeURL)
	connector := wallet.NewConnector(bridge, cfg.Network.Name, cfg.Network.Passphrase, logger)
	if n := cfg.Network.Wallet.ConnectMaxAttempts; n > 0 {
		connector.Connecting.MaxAttempts = n
	}
	if ms := cfg.Network.Wallet.AttemptTimeoutMs; ms > 0 {
		connector.Connecting.AttemptTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := cfg.Network.Wallet.BaseDelayMs; ms > 0 {
		connector.Connecting.BaseDelay = time.Duration(ms) * time.Millisecond
	}

	network := ledger.NewClient(cfg.Network.HorizonURL)
	builder := payment.NewBuilder(cfg.Network.Passphrase, logger)
	submitter := payment.NewSubmitter(connector, network, logger)
	payments := payment.NewService(builder, submitter)

	apiServer := server.NewServer(cfg, server.Deps{
		Store:    store,
		Replays:  replays,
		Wallet:   connector,
		Ledger:   network,
		Payments: payments,
		Logger:   logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Info("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
