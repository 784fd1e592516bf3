package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/drawline-erp/drawline-erp/internal/undo"
)

// NewUndoGCHandler returns the handler for undo:gc tasks.
func NewUndoGCHandler(logger *slog.Logger, service *undo.Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		deleted, err := service.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		if deleted > 0 {
			logger.Info("undo gc finished", slog.Int64("deleted", deleted))
		}
		return nil
	}
}
