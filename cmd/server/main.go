package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/cuber671/my-bcos-app-sub002/internal/api/http"
	appApproval "github.com/cuber671/my-bcos-app-sub002/internal/application/approval"
	appAudit "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
	appChainsync "github.com/cuber671/my-bcos-app-sub002/internal/application/chainsync"
	appInstrument "github.com/cuber671/my-bcos-app-sub002/internal/application/instrument"
	"github.com/cuber671/my-bcos-app-sub002/internal/config"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
	"github.com/cuber671/my-bcos-app-sub002/internal/infrastructure/chainledger"
	"github.com/cuber671/my-bcos-app-sub002/internal/infrastructure/keystore"
	"github.com/cuber671/my-bcos-app-sub002/internal/infrastructure/postgres"
	"github.com/cuber671/my-bcos-app-sub002/internal/migrations"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer db.Close()

	if err := postgres.RunMigrations(ctx, db, migrations.Files); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	instrumentRepo := postgres.NewInstrumentRepository(db)
	transferRepo := postgres.NewTransferRepository(db)
	transitionRepo := postgres.NewTransitionLogRepository(db)
	applicationRepo := postgres.NewApplicationRepository(db)
	lineageRepo := postgres.NewLineageRepository(db)
	intentRepo := postgres.NewChainIntentRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	// embedded dev ledger node as the blockchain gateway
	ledgerNode, err := chainledger.NewNode(chainledger.Config{
		NodeID:    cfg.LedgerNodeID,
		RaftAddr:  cfg.LedgerRaftAddr,
		DataDir:   cfg.LedgerDataDir,
		Bootstrap: cfg.LedgerBootstrap,
	})
	if err != nil {
		log.Fatalf("ledger node error: %v", err)
	}
	defer func() { _ = ledgerNode.Shutdown() }()

	if cfg.LedgerBootstrap {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := ledgerNode.WaitForLeader(waitCtx, 200*time.Millisecond); err != nil {
			cancel()
			log.Fatalf("ledger leader election: %v", err)
		}
		cancel()
	}

	guards := make(map[instrument.Event]string, len(cfg.GuardRules))
	for ev, expr := range cfg.GuardRules {
		guards[instrument.Event(ev)] = expr
	}
	machine := instrument.NewMachine(guards)
	authorizer := actor.RoleAuthorizer{}

	keys, err := keystore.NewFromEnv()
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}

	// services
	auditSvc := appAudit.NewService(auditRepo, logger, keys.ActiveKey())
	chainsyncSvc := appChainsync.NewService(instrumentRepo, transferRepo, intentRepo, ledgerNode, db, authorizer, auditSvc, logger)
	instrumentSvc := appInstrument.NewService(instrumentRepo, transferRepo, transitionRepo, lineageRepo, machine, chainsyncSvc, db, authorizer, auditSvc, logger)
	approvalSvc := appApproval.NewService(applicationRepo, instrumentRepo, lineageRepo, machine, chainsyncSvc, db, authorizer, auditSvc, logger)

	// resolve any chain writes left pending by a previous process before
	// accepting traffic
	if err := chainsyncSvc.StartupSweep(ctx); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation sweep failed")
	}

	apiServer := httpapi.NewServer(instrumentSvc, approvalSvc, chainsyncSvc, auditSvc)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	go chainsyncSvc.RunResolveLoop(loopCtx, cfg.ResolveInterval)
	go approvalSvc.RunExpiryLoop(loopCtx, cfg.ExpiryInterval, cfg.ApplicationTTL)

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stopLoops()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
