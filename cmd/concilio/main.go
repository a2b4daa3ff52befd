package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/concilio/concilio/internal/actors"
	"github.com/concilio/concilio/internal/app"
	"github.com/concilio/concilio/internal/audit"
	audithttp "github.com/concilio/concilio/internal/audit/http"
	"github.com/concilio/concilio/internal/observability"
	"github.com/concilio/concilio/internal/platform/cache"
	"github.com/concilio/concilio/internal/platform/db"
	"github.com/concilio/concilio/internal/recon"
	reconhttp "github.com/concilio/concilio/internal/recon/http"
	"github.com/concilio/concilio/internal/recon/match"
	"github.com/concilio/concilio/internal/shared"
	"github.com/concilio/concilio/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	matchCfg, closeTolerance, err := matchingConfig(cfg)
	if err != nil {
		logger.Error("parse matching config", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	reconRepo := recon.NewPGRepository(pool)
	locker := recon.NewRedisLocker(redisClient).WithBudgets(cfg.LockTTL, cfg.LockWait)
	ledgerSource := recon.NewPGLedgerSource(pool)
	statementSource := recon.NewPGStatementSource(pool)
	auditLogger := shared.NewAuditLogger(pool)

	reconService := recon.NewService(reconRepo, locker, ledgerSource, statementSource, auditLogger, logger, recon.ServiceConfig{
		DefaultMatch:   matchCfg,
		CloseTolerance: closeTolerance,
	}).
		WithObserver(metrics).
		WithSummaryCache(recon.NewSummaryCache(redisClient, time.Minute))

	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	reconHandler := reconhttp.NewHandler(logger, reconService, jobClient, matchCfg)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewPGRepository(pool)))

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Actors:       actors.NewResolver(pool),
		ReconHandler: reconHandler,
		AuditHandler: auditHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("listening", slog.String("addr", cfg.AppAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server run", slog.Any("error", err))
		os.Exit(1)
	}
}

func matchingConfig(cfg *app.Config) (match.Config, decimal.Decimal, error) {
	tolerance, err := decimal.NewFromString(cfg.MatchAmountTolerance)
	if err != nil {
		return match.Config{}, decimal.Decimal{}, err
	}
	closeTolerance, err := decimal.NewFromString(cfg.CloseTolerance)
	if err != nil {
		return match.Config{}, decimal.Decimal{}, err
	}
	matchCfg := match.Config{AmountTolerance: tolerance, DateWindowDays: cfg.MatchDateWindowDays}
	if err := matchCfg.Validate(); err != nil {
		return match.Config{}, decimal.Decimal{}, err
	}
	return matchCfg, closeTolerance, nil
}
