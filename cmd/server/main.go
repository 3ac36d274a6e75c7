// Command server runs the escrow disbursement engine: the HTTP API plus the
// background payout retrier. With no external services configured it runs
// entirely on in-memory stores and fake gateways, which is the local
// development and test mode.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"almoner/internal/adapters/evidence"
	"almoner/internal/adapters/identity"
	"almoner/internal/adapters/notify"
	"almoner/internal/adapters/payments"
	"almoner/internal/audit"
	"almoner/internal/contributions"
	"almoner/internal/disbursement"
	disbursementmetrics "almoner/internal/disbursement/metrics"
	disbursementpg "almoner/internal/disbursement/store/postgres"
	"almoner/internal/escrow"
	"almoner/internal/ledger"
	ledgermetrics "almoner/internal/ledger/metrics"
	ledgerpg "almoner/internal/ledger/store/postgres"
	"almoner/internal/milestone"
	milestonepg "almoner/internal/milestone/store/postgres"
	"almoner/internal/platform/config"
	"almoner/internal/platform/httpserver"
	"almoner/internal/platform/logger"
	platformmetrics "almoner/internal/platform/metrics"
	"almoner/internal/platform/postgres"
	platformredis "almoner/internal/platform/redis"
	"almoner/internal/ports"
	"almoner/internal/reconciliation"
	reconciliationpg "almoner/internal/reconciliation/store/postgres"
	"almoner/internal/token"
	httptransport "almoner/internal/transport/http"
	"almoner/internal/verification"
	verificationmetrics "almoner/internal/verification/metrics"
	verificationpg "almoner/internal/verification/store/postgres"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()

	// Storage. Postgres for every durable store when configured, in-memory
	// otherwise. Retries only survive a restart on the Postgres path: the
	// retrier re-drives whatever orders the previous process persisted.
	var (
		ledgerStore    ledger.Store
		auditStore     audit.Store
		milestoneStore milestone.Store
		orderStore     disbursement.Store
		reportStore    verification.Store
		caseStore      reconciliation.Store
		health         func(context.Context) error
	)
	if cfg.PostgresURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		db, err := postgres.NewDB(cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		ledgerStore = ledgerpg.New(pool)
		auditStore = audit.NewPostgresStore(db)
		milestoneStore = milestonepg.New(pool)
		orderStore = disbursementpg.New(pool)
		reportStore = verificationpg.New(pool)
		caseStore = reconciliationpg.New(pool)
		health = func(ctx context.Context) error { return pool.Ping(ctx) }
		log.Info("storage: postgres")
	} else {
		ledgerStore = ledger.NewInMemoryStore()
		auditStore = audit.NewInMemoryStore()
		milestoneStore = milestone.NewInMemoryStore()
		orderStore = disbursement.NewInMemoryStore()
		reportStore = verification.NewInMemoryStore()
		caseStore = reconciliation.NewInMemoryStore()
		log.Warn("storage: in-memory, all state is lost on restart")
	}

	// Idempotency claims. Redis shares them across instances; the in-process
	// fallback is only safe for a single replica.
	var claims disbursement.ClaimStore = disbursement.NewMemoryClaims()
	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		claims = disbursement.NewRedisClaims(redisClient)
		log.Info("claims: redis")
	}

	// Notifications. Kafka when configured, a recording no-op otherwise.
	var notifier ports.Notifier = notify.NewInMemory()
	if cfg.KafkaBrokers != "" {
		kafkaNotifier, err := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			return err
		}
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
		log.Info("notifications: kafka", "topic", cfg.KafkaTopic)
	}

	// The fake gateways stand in for the marketplace's hosted payment
	// services; swap these constructors when the real clients land.
	captureGateway := payments.NewFakeCapture()
	payoutGateway := payments.NewFakePayout()
	directory := identity.NewTokenDirectory()
	evidenceStore := evidence.NewInMemoryStore()

	graph := milestone.NewGraph(milestoneStore, log)
	ledgerSvc := ledger.NewService(ledgerStore, graph, log, ledgermetrics.New(registry))
	escrowSvc := escrow.NewService(ledgerStore, milestoneStore, log)
	auditPublisher := audit.NewPublisher(auditStore)

	reconciliationSvc := reconciliation.NewService(
		caseStore, ledgerSvc, escrowSvc, graph,
		directory, notifier, auditPublisher, log)

	engine := disbursement.NewEngine(
		orderStore, ledgerSvc, escrowSvc, graph, payoutGateway, notifier,
		claims, reconciliationSvc,
		disbursement.Config{
			MaxAttempts: cfg.Disbursement.MaxAttempts,
			BackoffBase: cfg.Disbursement.BackoffBase,
		},
		log, disbursementmetrics.New(registry))
	reconciliationSvc.AttachDisburser(engine)

	verificationSvc := verification.NewService(
		reportStore, graph, evidenceStore, directory,
		notifier, engine, log, verificationmetrics.New(registry))
	contributionsSvc := contributions.NewService(captureGateway, ledgerSvc, notifier, log)

	validator := token.NewValidator(cfg.JWTSigningKey)
	router := httptransport.NewRouter(httptransport.Dependencies{
		Logger:        log,
		Metrics:       platformmetrics.New(registry),
		Validator:     validator,
		Gatherer:      registry,
		Contributions: httptransport.NewContributionsHandler(contributionsSvc, ledgerSvc, reconciliationSvc, log),
		Recipients:    httptransport.NewRecipientsHandler(graph, escrowSvc, log),
		Verification:  httptransport.NewVerificationHandler(verificationSvc, log),
		Admin:         httptransport.NewAdminHandler(graph, engine, reconciliationSvc, auditPublisher, log),
		Health:        health,
	})

	srv := httpserver.New(cfg.Addr, router)
	retrier := disbursement.NewRetrier(engine, orderStore, disbursement.RetrierConfig{
		PollInterval:     cfg.Disbursement.PollInterval,
		ExecutingTimeout: cfg.Disbursement.ExecutingTimeout,
	}, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return retrier.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return httpserver.Shutdown(srv)
	})

	return group.Wait()
}
