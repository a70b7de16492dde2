package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"creditgate/config"
	"creditgate/gateway"
	"creditgate/idempotency"
	"creditgate/jobs"
	"creditgate/ledger"
	"creditgate/models"
	"creditgate/observability/logging"
	"creditgate/reconcile"
	"creditgate/reservation"
	"creditgate/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("creditgated: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to creditgated config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var fileCfg *logging.FileConfig
	if cfg.Log.File != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.Setup("creditgated", cfg.Environment, fileCfg)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	bookkeeper := ledger.New(db, nil)
	guard := idempotency.NewGuard(db, cfg.IdempotencyTTL, nil, logger)
	reservations := reservation.NewManager(reservation.Config{
		DB:     db,
		Ledger: bookkeeper,
		TTL:    cfg.ReservationTTL,
		Logger: logger,
	})
	payClient := gateway.NewURLClient(cfg.Gateway.BaseURL, cfg.Gateway.MerchantCode, cfg.Gateway.ReturnURL, cfg.Gateway.Secret)
	var querier gateway.Querier
	if cfg.Gateway.QueryURL != "" {
		querier = gateway.NewHTTPQuerier(cfg.Gateway.QueryURL, cfg.Gateway.MerchantCode, cfg.Gateway.Secret)
	}
	reconciler := reconcile.New(reconcile.Config{
		DB:                db,
		Ledger:            bookkeeper,
		Guard:             guard,
		Client:            payClient,
		Querier:           querier,
		GatewaySecret:     cfg.Gateway.Secret,
		Plans:             cfg.PlanCatalog(),
		MaxCreditAttempts: cfg.Jobs.MaxCreditAttempts,
		PendingTTL:        cfg.Jobs.PaymentExpiry,
		Logger:            logger,
	})
	tokens := reconcile.NewStatusTokens(cfg.StatusToken.Secret, cfg.StatusToken.TTL, nil)

	runner := jobs.NewRunner([]jobs.Job{
		{Name: "reservation_sweep", Interval: cfg.Jobs.SweepInterval, BatchSize: cfg.Jobs.SweepBatch, Run: reservations.SweepExpired},
		{Name: "idempotency_reap", Interval: cfg.Jobs.ReapInterval, BatchSize: cfg.Jobs.ReapBatch, Run: guard.Reap},
		{Name: "credit_retry", Interval: cfg.Jobs.CreditRetryInterval, BatchSize: cfg.Jobs.CreditRetryBatch, Run: reconciler.RetryFailedCredits},
		{Name: "payment_expiry", Interval: cfg.Jobs.CreditRetryInterval, BatchSize: cfg.Jobs.CreditRetryBatch, Run: reconciler.ExpireStalePayments},
	}, nil, logger)

	jobCtx, stopJobs := context.WithCancel(context.Background())
	runner.Start(jobCtx)

	api := server.New(server.Config{
		Ledger:       bookkeeper,
		Reservations: reservations,
		Reconciler:   reconciler,
		Tokens:       tokens,
		RateLimits: map[string]server.RateLimit{
			server.RoutePaymentCreate: {RequestsPerMinute: 30, Burst: 10},
			server.RoutePaymentStatus: {RequestsPerMinute: 120, Burst: 30},
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("credit engine listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down credit engine")
	stopJobs()
	runner.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	}
}
