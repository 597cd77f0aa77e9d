package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/agoramesh/backend/internal/config"
	"github.com/agoramesh/backend/internal/escrow"
	"github.com/agoramesh/backend/internal/identity"
	"github.com/agoramesh/backend/internal/repository"
	"github.com/agoramesh/backend/internal/services"
	"github.com/agoramesh/backend/internal/settlement"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.StoreURI)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure it is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations (coordinator tables live in db/migrations, applied
	// out of band).
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	escrowAdapter, err := buildEscrowAdapter(cfg)
	if err != nil {
		slog.Error("Escrow adapter init failed", "backend", cfg.EscrowBackend, "error", err)
		os.Exit(1)
	}
	identityAdapter, err := buildIdentityAdapter(cfg)
	if err != nil {
		slog.Error("Identity adapter init failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Adapters ready",
		"escrow", escrowAdapter.Backend(), "custodial", escrowAdapter.Custodial(),
		"identity", identityAdapter.Backend())

	taskRepo := repository.NewTaskRepo(pool)
	agentRepo := repository.NewAgentRepo(pool)
	postingRepo := repository.NewPostingRepo(pool)
	bidRepo := repository.NewBidRepo(pool)
	activityRepo := repository.NewActivityRepo(pool)

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	// The dispatcher and the River client need each other: the dispatcher
	// enqueues follow-up jobs, the client's workers call the dispatcher.
	// The queue handle breaks the cycle.
	queue := &lazyQueue{}
	dispatcher := settlement.New(settlement.Deps{
		Tasks:     taskRepo,
		Agents:    agentRepo,
		Postings:  postingRepo,
		Activity:  activityRepo,
		Escrow:    escrowAdapter,
		Identity:  identityAdapter,
		Queue:     queue,
		Logger:    logger,
		RetryMax:  cfg.EscrowRetryMax,
		RetryBase: cfg.EscrowRetryBase,
	})

	workers, err := settlement.NewWorkers(dispatcher)
	if err != nil {
		slog.Error("Failed to register settlement workers", "error", err)
		os.Exit(1)
	}
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxConcurrentSettlements},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	queue.set(settlement.NewQueue(riverClient))

	// Re-enqueue anything a previous process left mid-flight before taking
	// traffic.
	if err := dispatcher.Recover(ctx); err != nil {
		slog.Error("Recovery scan failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		pool:       pool,
		tasks:      taskRepo,
		agents:     agentRepo,
		postings:   postingRepo,
		bids:       bidRepo,
		activity:   activityRepo,
		escrow:     escrowAdapter,
		identity:   identityAdapter,
		queue:      queue,
		dispatcher: dispatcher,
		validator:  validator,
		cfg:        cfg,
		logger:     logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

func buildEscrowAdapter(cfg *config.Config) (escrow.Adapter, error) {
	switch cfg.EscrowBackend {
	case config.EscrowBackendOnchain:
		return escrow.NewOnchain(escrow.OnchainConfig{
			RPCURL:      cfg.EscrowRPC,
			Contract:    cfg.EscrowContract,
			ChainID:     cfg.EscrowChainID,
			SignerKey:   cfg.EscrowSigner,
			ExplorerURL: cfg.EscrowExplorerURL,
		})
	case config.EscrowBackendChannel:
		return escrow.NewChannel(cfg.EscrowRPC), nil
	default:
		return escrow.NewSimulated(), nil
	}
}

func buildIdentityAdapter(cfg *config.Config) (identity.Adapter, error) {
	if cfg.IdentityBackendURL == "" || cfg.IdentitySigner == "" {
		return identity.NewSimulated(), nil
	}
	return identity.NewOnchain(identity.OnchainConfig{
		RPCURL:          cfg.IdentityBackendURL,
		Registrar:       cfg.IdentityRegistrar,
		ChainID:         cfg.EscrowChainID,
		SignerKey:       cfg.IdentitySigner,
		ParentNamespace: cfg.IdentityParentNamespace,
	})
}
