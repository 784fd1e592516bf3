package undo

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/billing"
)

// EntityKind names the entity family a snapshot belongs to.
type EntityKind string

const (
	KindInvoice EntityKind = "invoice"
	KindDraw    EntityKind = "draw"
)

// POAdjustment mirrors a PO line delta the undone action applied.
type POAdjustment struct {
	LineID uuid.UUID       `json:"line_id"`
	Amount decimal.Decimal `json:"amount"`
}

// InvoiceState is the invoice's reversible field set as it was before the
// action. Allocations are not captured: the actions covered here never
// change them.
type InvoiceState struct {
	Status        billing.InvoiceStatus `json:"status"`
	BilledAmount  decimal.Decimal       `json:"billed_amount"`
	PaidAmount    decimal.Decimal       `json:"paid_amount"`
	FirstDrawID   *uuid.UUID            `json:"first_draw_id,omitempty"`
	FullyBilledAt *time.Time            `json:"fully_billed_at,omitempty"`
	ApprovedAt    *time.Time            `json:"approved_at,omitempty"`
	ApprovedBy    *string               `json:"approved_by,omitempty"`
	DeniedAt      *time.Time            `json:"denied_at,omitempty"`
	DenialReason  *string               `json:"denial_reason,omitempty"`
	POAdjustments []POAdjustment        `json:"po_adjustments,omitempty"`
}

// DrawState is the draw's reversible field set as it was before the action.
type DrawState struct {
	Status         billing.DrawStatus `json:"status"`
	TotalAmount    decimal.Decimal    `json:"total_amount"`
	IsCurrentDraft bool               `json:"is_current_draft"`
	LockedAt       *time.Time         `json:"locked_at,omitempty"`
	FundedAmount   *decimal.Decimal   `json:"funded_amount,omitempty"`
}

// Snapshot is a tagged union: exactly one of Invoice or Draw is set,
// matching Kind.
type Snapshot struct {
	Kind    EntityKind    `json:"kind"`
	Invoice *InvoiceState `json:"invoice,omitempty"`
	Draw    *DrawState    `json:"draw,omitempty"`
}

// Entry is one reversible action. At most one live entry exists per entity;
// capturing a new one supersedes the old, so undo always reverses the most
// recent action.
type Entry struct {
	ID          uuid.UUID  `json:"id"`
	EntityKind  EntityKind `json:"entity_kind"`
	EntityID    uuid.UUID  `json:"entity_id"`
	Action      string     `json:"action"`
	PerformedBy string     `json:"performed_by"`
	Snapshot    Snapshot   `json:"snapshot"`
	Superseded  bool       `json:"superseded"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UndoneAt    *time.Time `json:"undone_at,omitempty"`
}

// Live reports whether the entry can still be executed at the given time.
func (e Entry) Live(now time.Time) bool {
	return e.UndoneAt == nil && !e.Superseded && now.Before(e.ExpiresAt)
}
