package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountTolerance is the comparison tolerance for monetary equality checks.
// Amounts themselves are fixed-point decimals; the tolerance only absorbs
// rounding from scaled allocation splits.
var AmountTolerance = decimal.RequireFromString("0.01")

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceReceived      InvoiceStatus = "RECEIVED"
	InvoiceNeedsApproval InvoiceStatus = "NEEDS_APPROVAL"
	InvoiceApproved      InvoiceStatus = "APPROVED"
	InvoiceInDraw        InvoiceStatus = "IN_DRAW"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceDenied        InvoiceStatus = "DENIED"
)

// DrawStatus enumerates draw lifecycle states.
type DrawStatus string

const (
	DrawDraft           DrawStatus = "DRAFT"
	DrawSubmitted       DrawStatus = "SUBMITTED"
	DrawFunded          DrawStatus = "FUNDED"
	DrawPartiallyFunded DrawStatus = "PARTIALLY_FUNDED"
	DrawOverfunded      DrawStatus = "OVERFUNDED"
)

// POStatus enumerates purchase order states.
type POStatus string

const (
	POOpen      POStatus = "OPEN"
	POClosed    POStatus = "CLOSED"
	POCancelled POStatus = "CANCELLED"
)

// Invoice is a vendor invoice owned by a job. Soft-deleted once allocated,
// never physically removed.
type Invoice struct {
	ID            uuid.UUID       `json:"id"`
	JobID         uuid.UUID       `json:"job_id"`
	VendorID      uuid.UUID       `json:"vendor_id"`
	POID          *uuid.UUID      `json:"po_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        InvoiceStatus   `json:"status"`
	BilledAmount  decimal.Decimal `json:"billed_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	FirstDrawID   *uuid.UUID      `json:"first_draw_id,omitempty"`
	FullyBilledAt *time.Time      `json:"fully_billed_at,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy    *string         `json:"approved_by,omitempty"`
	DeniedAt      *time.Time      `json:"denied_at,omitempty"`
	DenialReason  *string         `json:"denial_reason,omitempty"`
	IsSplitParent bool            `json:"is_split_parent"`
	ReviewFlags   []string        `json:"review_flags,omitempty"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Allocation distributes an invoice's value across cost codes.
type Allocation struct {
	ID            uuid.UUID       `json:"id"`
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	CostCodeID    uuid.UUID       `json:"cost_code_id"`
	Amount        decimal.Decimal `json:"amount"`
	ChangeOrderID *uuid.UUID      `json:"change_order_id,omitempty"`
}

// Draw bundles invoices into a periodic funding request. At most one draft
// draw may exist per job at a time.
type Draw struct {
	ID             uuid.UUID        `json:"id"`
	JobID          uuid.UUID        `json:"job_id"`
	DrawNumber     int              `json:"draw_number"`
	Status         DrawStatus       `json:"status"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	IsCurrentDraft bool             `json:"is_current_draft"`
	LockedAt       *time.Time       `json:"locked_at,omitempty"`
	FundedAmount   *decimal.Decimal `json:"funded_amount,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// DrawAllocation is the per-draw sub-ledger slice of an invoice allocation.
// Unique per (draw, invoice, cost code); the cross-draw sum per invoice never
// exceeds the invoice amount.
type DrawAllocation struct {
	DrawID     uuid.UUID       `json:"draw_id"`
	InvoiceID  uuid.UUID       `json:"invoice_id"`
	CostCodeID uuid.UUID       `json:"cost_code_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// DrawChangeOrder bills an approved change order directly on a draw.
type DrawChangeOrder struct {
	DrawID        uuid.UUID       `json:"draw_id"`
	ChangeOrderID uuid.UUID       `json:"change_order_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// BudgetLine carries budgeted and rolled-up figures per (job, cost code).
// Created lazily when first referenced. ClosedAt locks the line: projection
// then ignores the original budget figure.
type BudgetLine struct {
	JobID           uuid.UUID       `json:"job_id"`
	CostCodeID      uuid.UUID       `json:"cost_code_id"`
	BudgetedAmount  decimal.Decimal `json:"budgeted_amount"`
	CommittedAmount decimal.Decimal `json:"committed_amount"`
	BilledAmount    decimal.Decimal `json:"billed_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	// BilledUncommitted is the billed portion from invoices without a
	// purchase order; PO-billed work is already inside CommittedAmount.
	BilledUncommitted decimal.Decimal `json:"billed_uncommitted"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	ClosedBy          *string         `json:"closed_by,omitempty"`
}

// Projected returns the projected cost for the line. Open lines never
// understate known commitments; closed lines lock in savings or overruns by
// ignoring the original budget figure.
func (b BudgetLine) Projected() decimal.Decimal {
	actual := b.CommittedAmount.Add(b.BilledUncommitted)
	if b.ClosedAt != nil {
		return actual
	}
	if b.BudgetedAmount.GreaterThan(actual) {
		return b.BudgetedAmount
	}
	return actual
}

// PurchaseOrder represents committed but not yet billed spend.
type PurchaseOrder struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	VendorID    uuid.UUID
	TotalAmount decimal.Decimal
	Status      POStatus
}

// POLineItem is a purchase order line tied to a cost code.
type POLineItem struct {
	ID             uuid.UUID
	POID           uuid.UUID
	CostCodeID     uuid.UUID
	Amount         decimal.Decimal
	InvoicedAmount decimal.Decimal
}

// ChangeOrder tracks scope changes; InvoicedAmount is derived from the
// allocations tagged with the change order and must equal their sum.
type ChangeOrder struct {
	ID             uuid.UUID
	JobID          uuid.UUID
	InvoicedAmount decimal.Decimal
}

// --- Input DTOs ---

// AllocationInput codes a slice of an invoice to a cost code.
type AllocationInput struct {
	CostCodeID    uuid.UUID
	Amount        decimal.Decimal
	ChangeOrderID *uuid.UUID
}

// CodeInvoiceInput assigns allocations to an invoice.
type CodeInvoiceInput struct {
	InvoiceID   uuid.UUID
	Allocations []AllocationInput
	ActorID     string
}

// ApproveInvoiceInput approves a coded invoice. Partial must be set when the
// allocations cover less than the remaining unbilled amount.
type ApproveInvoiceInput struct {
	InvoiceID  uuid.UUID
	ApprovedBy string
	Partial    bool
}

// DenyInvoiceInput rejects an invoice with a reason.
type DenyInvoiceInput struct {
	InvoiceID   uuid.UUID
	Reason      string
	PerformedBy string
}

// CreateDrawInput opens a new draft draw for a job.
type CreateDrawInput struct {
	JobID   uuid.UUID
	ActorID string
}
