package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/drawline-erp/drawline-erp/internal/billing"
)

// Severity grades a finding. Warnings surface drift worth a look; fails
// mean a ledger invariant is broken.
type Severity string

const (
	SeverityPass    Severity = "pass"
	SeverityWarning Severity = "warning"
	SeverityFail    Severity = "fail"
)

func (s Severity) rank() int {
	switch s {
	case SeverityFail:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Worse reports whether s outranks other.
func (s Severity) Worse(other Severity) bool {
	return s.rank() > other.rank()
}

// Finding codes, one family per check category.
const (
	CodeInvoiceOverAllocated        = "INVOICE_OVER_ALLOCATED"
	CodeAllocationMissingCostCode   = "ALLOCATION_MISSING_COST_CODE"
	CodeInvoiceAllocationsOK        = "INVOICE_ALLOCATIONS_OK"
	CodeInvoiceBilledLedgerMismatch = "INVOICE_BILLED_LEDGER_MISMATCH"
	CodeMissingFullyBilledAt        = "MISSING_FULLY_BILLED_AT"
	CodeBillingIntegrityOK          = "BILLING_INTEGRITY_OK"
	CodeDrawTotalMismatch           = "DRAW_TOTAL_MISMATCH"
	CodeDrawInvoiceStatus           = "DRAW_INVOICE_STATUS"
	CodeDrawTotalsOK                = "DRAW_TOTALS_OK"
	CodePOOverInvoiced              = "PO_OVER_INVOICED"
	CodePOOverageWarning            = "PO_OVERAGE_WARNING"
	CodePOBalancesOK                = "PO_BALANCES_OK"
	CodeBudgetBilledMismatch        = "BUDGET_BILLED_MISMATCH"
	CodeBudgetOverrun               = "BUDGET_OVERRUN"
	CodeBudgetActualsOK             = "BUDGET_ACTUALS_OK"
)

// Finding is one reconciliation observation.
type Finding struct {
	Code     string    `json:"code"`
	Severity Severity  `json:"severity"`
	EntityID uuid.UUID `json:"entity_id,omitempty"`
	Message  string    `json:"message"`
}

// Report is the reconciliation result for one job.
type Report struct {
	JobID       uuid.UUID `json:"job_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Status      Severity  `json:"status"`
	Findings    []Finding `json:"findings"`
}

// JobLedger is the read-only snapshot a reconciliation pass runs over. It is
// loaded in one repeatable-read transaction so the checks see a consistent
// point in time.
type JobLedger struct {
	JobID            uuid.UUID
	Invoices         []billing.Invoice
	Allocations      map[uuid.UUID][]billing.Allocation
	Draws            []billing.Draw
	DrawAllocations  map[uuid.UUID][]billing.DrawAllocation
	DrawChangeOrders map[uuid.UUID][]billing.DrawChangeOrder
	PurchaseOrders   []billing.PurchaseOrder
	POLines          map[uuid.UUID][]billing.POLineItem
	BudgetLines      []billing.BudgetLine
}
