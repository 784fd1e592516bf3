package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ActivityDetails is implemented by one struct per auditable action, so the
// activity trail stays type-checked instead of a free-form map.
type ActivityDetails interface {
	Action() string
}

// InvoiceCodedDetails records a (re)coding of an invoice.
type InvoiceCodedDetails struct {
	AllocationCount int             `json:"allocation_count"`
	AllocatedTotal  decimal.Decimal `json:"allocated_total"`
}

func (InvoiceCodedDetails) Action() string { return "invoice.coded" }

// InvoiceApprovedDetails records an approval, partial or full.
type InvoiceApprovedDetails struct {
	Partial        bool            `json:"partial"`
	AllocatedTotal decimal.Decimal `json:"allocated_total"`
}

func (InvoiceApprovedDetails) Action() string { return "invoice.approved" }

// InvoiceDeniedDetails records a denial with its reason.
type InvoiceDeniedDetails struct {
	Reason string `json:"reason"`
}

func (InvoiceDeniedDetails) Action() string { return "invoice.denied" }

// InvoiceStatusDetails records compensating transitions (unapprove, unpay).
type InvoiceStatusDetails struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (InvoiceStatusDetails) Action() string { return "invoice.status" }

// DrawChangedDetails records draw membership and lifecycle changes.
type DrawChangedDetails struct {
	Change       string          `json:"change"`
	InvoiceCount int             `json:"invoice_count,omitempty"`
	Total        decimal.Decimal `json:"total"`
}

func (DrawChangedDetails) Action() string { return "draw.changed" }

// DrawFundedDetails records a funding event.
type DrawFundedDetails struct {
	FundedAmount decimal.Decimal `json:"funded_amount"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Outcome      string          `json:"outcome"`
}

func (DrawFundedDetails) Action() string { return "draw.funded" }

// UndoExecutedDetails records a consumed undo entry.
type UndoExecutedDetails struct {
	UndoID       uuid.UUID `json:"undo_id"`
	UndoneAction string    `json:"undone_action"`
}

func (UndoExecutedDetails) Action() string { return "undo.executed" }

// ActivityLog is a single persisted activity record.
type ActivityLog struct {
	ActorID  string
	Entity   string
	EntityID uuid.UUID
	Details  ActivityDetails
	At       time.Time
}

// ActivityRecorder writes records into activity_logs.
type ActivityRecorder struct {
	pool *pgxpool.Pool
}

// NewActivityRecorder returns a new ActivityRecorder.
func NewActivityRecorder(pool *pgxpool.Pool) *ActivityRecorder {
	return &ActivityRecorder{pool: pool}
}

// Record persists the activity entry.
func (r *ActivityRecorder) Record(ctx context.Context, log ActivityLog) error {
	if r == nil {
		return errors.New("activity recorder not initialised")
	}
	if log.Entity == "" || log.EntityID == uuid.Nil || log.Details == nil {
		return errors.New("activity log requires entity/entity_id/details")
	}
	detailsJSON, err := json.Marshal(log.Details)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO activity_logs (actor_id, action, entity, entity_id, details, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		log.ActorID, log.Details.Action(), log.Entity, log.EntityID, detailsJSON, at)
	return err
}
