package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/app"
	"github.com/drawline-erp/drawline-erp/internal/billing"
	"github.com/drawline-erp/drawline-erp/internal/observability"
	"github.com/drawline-erp/drawline-erp/internal/platform/cache"
	"github.com/drawline-erp/drawline-erp/internal/platform/db"
	"github.com/drawline-erp/drawline-erp/internal/reconcile"
	"github.com/drawline-erp/drawline-erp/internal/shared"
	"github.com/drawline-erp/drawline-erp/internal/undo"
	"github.com/drawline-erp/drawline-erp/jobs"
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

	locker := shared.NewLocker(redisClient, cfg.LockTTL)
	activityRecorder := shared.NewActivityRecorder(pool)

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo)
	billingService.SetActivityRecorder(activityRecorder)

	undoRepo := undo.NewRepository(pool)
	undoService := undo.NewService(logger, undoRepo, billingService, cfg.UndoWindow)
	undoService.SetActivityRecorder(activityRecorder)
	billingService.SetUndoRecorder(undoService)

	reconcileRepo := reconcile.NewRepository(pool)
	checker := reconcile.NewChecker(logger, reconcileRepo, decimal.NewFromFloat(cfg.POOverageTolerance))

	metrics := observability.NewMetrics()

	billingHandler := billing.NewHandler(logger, billingService, locker)
	reconcileHandler := reconcile.NewHandler(logger, checker, reconcileRepo)
	undoHandler := undo.NewHandler(logger, undoService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Pool:             pool,
		Redis:            redisClient,
		BillingHandler:   billingHandler,
		ReconcileHandler: reconcileHandler,
		UndoHandler:      undoHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
