package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/app"
	"github.com/drawline-erp/drawline-erp/internal/billing"
	"github.com/drawline-erp/drawline-erp/internal/platform/db"
	"github.com/drawline-erp/drawline-erp/internal/reconcile"
	"github.com/drawline-erp/drawline-erp/internal/undo"
	"github.com/drawline-erp/drawline-erp/jobs"
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

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo)

	undoRepo := undo.NewRepository(pool)
	undoService := undo.NewService(logger, undoRepo, billingService, cfg.UndoWindow)

	reconcileRepo := reconcile.NewRepository(pool)
	checker := reconcile.NewChecker(logger, reconcileRepo, decimal.NewFromFloat(cfg.POOverageTolerance))

	scanTask, err := jobs.NewReconcileScanTask(jobs.ReconcileScanPayload{})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	gcTask, err := jobs.NewUndoGCTask()
	if err != nil {
		logger.Error("build undo gc task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileScan, Handler: jobs.NewReconcileScanHandler(logger, checker)},
			{Type: jobs.TaskUndoGC, Handler: jobs.NewUndoGCHandler(logger, undoService)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.UndoGCCron, Task: gcTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
