package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileScan runs the ledger reconciliation sweep.
	TaskReconcileScan = "reconcile:scan"
	// TaskUndoGC prunes expired undo entries.
	TaskUndoGC = "undo:gc"
)

// ReconcileScanPayload scopes a reconciliation run. A nil JobID means all jobs.
type ReconcileScanPayload struct {
	JobID *uuid.UUID `json:"job_id,omitempty"`
}

// NewReconcileScanTask constructs an Asynq task for a reconciliation sweep.
func NewReconcileScanTask(payload ReconcileScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileScan, data), nil
}

// NewUndoGCTask constructs an Asynq task for undo entry cleanup.
func NewUndoGCTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskUndoGC, nil), nil
}
