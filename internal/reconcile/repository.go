package reconcile

import (
	"context"

	"github.com/google/uuid"
)

// Repository loads ledger snapshots and stores reports.
type Repository interface {
	ListJobIDs(ctx context.Context) ([]uuid.UUID, error)
	LoadJobLedger(ctx context.Context, jobID uuid.UUID) (JobLedger, error)
	SaveReport(ctx context.Context, report Report) error
	GetLatestReport(ctx context.Context, jobID uuid.UUID) (Report, error)
}
