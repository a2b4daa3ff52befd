package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/concilio/concilio/internal/app"
	"github.com/concilio/concilio/internal/observability"
	"github.com/concilio/concilio/internal/platform/cache"
	"github.com/concilio/concilio/internal/platform/db"
	"github.com/concilio/concilio/internal/recon"
	"github.com/concilio/concilio/internal/recon/match"
	"github.com/concilio/concilio/internal/shared"
	"github.com/concilio/concilio/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tolerance, err := decimal.NewFromString(cfg.MatchAmountTolerance)
	if err != nil {
		logger.Error("parse amount tolerance", slog.Any("error", err))
		os.Exit(1)
	}
	closeTolerance, err := decimal.NewFromString(cfg.CloseTolerance)
	if err != nil {
		logger.Error("parse close tolerance", slog.Any("error", err))
		os.Exit(1)
	}
	matchCfg := match.Config{AmountTolerance: tolerance, DateWindowDays: cfg.MatchDateWindowDays}
	if err := matchCfg.Validate(); err != nil {
		logger.Error("validate matching config", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	reconService := recon.NewService(
		recon.NewPGRepository(pool),
		recon.NewRedisLocker(redisClient).WithBudgets(cfg.LockTTL, cfg.LockWait),
		recon.NewPGLedgerSource(pool),
		recon.NewPGStatementSource(pool),
		shared.NewAuditLogger(pool),
		logger,
		recon.ServiceConfig{DefaultMatch: matchCfg, CloseTolerance: closeTolerance},
	).
		WithObserver(metrics).
		WithSummaryCache(recon.NewSummaryCache(redisClient, time.Minute))

	handlers := jobs.NewHandlers(reconService, matchCfg, logger, metrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers,
		Cron: []jobs.CronRegistration{
			{Spec: "@every " + cfg.RescanInterval.String(), Task: jobs.NewRescanTask(), Options: []asynq.Option{asynq.MaxRetry(2)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
