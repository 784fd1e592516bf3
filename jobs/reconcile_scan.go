package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/drawline-erp/drawline-erp/internal/reconcile"
)

// NewReconcileScanHandler returns the handler for reconcile:scan tasks.
func NewReconcileScanHandler(logger *slog.Logger, checker *reconcile.Checker) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReconcileScanPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		if payload.JobID != nil {
			report, err := checker.ReconcileJob(ctx, *payload.JobID)
			if err != nil {
				return err
			}
			logger.Info("reconcile scan finished",
				slog.String("job_id", payload.JobID.String()),
				slog.String("status", string(report.Status)))
			return nil
		}
		count, err := checker.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("reconcile scan finished", slog.Int("jobs", count))
		return nil
	}
}
