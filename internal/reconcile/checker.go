package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/drawline-erp/drawline-erp/internal/billing"
)

const reconcileConcurrency = 4

// Checker runs read-only ledger verification. It never mutates billing
// state; drift is reported, not repaired.
type Checker struct {
	logger           *slog.Logger
	repo             Repository
	overageTolerance decimal.Decimal
}

// NewChecker constructs a Checker. overageTolerance is the accepted PO
// overage ratio before a warning escalates to a fail (0.10 allows 10%).
func NewChecker(logger *slog.Logger, repo Repository, overageTolerance decimal.Decimal) *Checker {
	if overageTolerance.IsNegative() {
		overageTolerance = decimal.Zero
	}
	return &Checker{logger: logger, repo: repo, overageTolerance: overageTolerance}
}

// ReconcileJob verifies one job's ledgers and persists the report.
func (c *Checker) ReconcileJob(ctx context.Context, jobID uuid.UUID) (Report, error) {
	ledger, err := c.repo.LoadJobLedger(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	report := CheckLedger(ledger, c.overageTolerance)
	if err := c.repo.SaveReport(ctx, report); err != nil {
		return Report{}, err
	}
	if report.Status != SeverityPass {
		c.logger.Warn("reconciliation found drift",
			"job_id", jobID, "status", report.Status, "findings", len(report.Findings))
	}
	return report, nil
}

// ReconcileAll runs every job, a few at a time. A failed report is not an
// error; only load or store failures abort the scan.
func (c *Checker) ReconcileAll(ctx context.Context) (int, error) {
	jobIDs, err := c.repo.ListJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, jobID := range jobIDs {
		jobID := jobID
		g.Go(func() error {
			_, err := c.ReconcileJob(ctx, jobID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(jobIDs), nil
}

// CheckLedger runs all check families over a ledger snapshot. Pure: the same
// snapshot always yields the same report, timestamps aside.
func CheckLedger(ledger JobLedger, overageTolerance decimal.Decimal) Report {
	var findings []Finding
	findings = append(findings, checkInvoiceAllocations(ledger)...)
	findings = append(findings, checkBillingIntegrity(ledger)...)
	findings = append(findings, checkDrawTotals(ledger)...)
	findings = append(findings, checkPOBalances(ledger, overageTolerance)...)
	findings = append(findings, checkBudget(ledger)...)

	status := SeverityPass
	for _, f := range findings {
		if f.Severity.Worse(status) {
			status = f.Severity
		}
	}
	return Report{
		JobID:       ledger.JobID,
		GeneratedAt: time.Now(),
		Status:      status,
		Findings:    findings,
	}
}

func checkInvoiceAllocations(ledger JobLedger) []Finding {
	var findings []Finding
	for _, inv := range ledger.Invoices {
		if inv.DeletedAt != nil {
			continue
		}
		allocations := ledger.Allocations[inv.ID]
		sum := decimal.Zero
		for _, a := range allocations {
			if a.CostCodeID == uuid.Nil {
				findings = append(findings, Finding{
					Code:     CodeAllocationMissingCostCode,
					Severity: SeverityFail,
					EntityID: inv.ID,
					Message:  fmt.Sprintf("invoice %s has an allocation without a cost code", inv.ID),
				})
			}
			sum = sum.Add(a.Amount)
		}
		if sum.GreaterThan(inv.Amount.Add(billing.AmountTolerance)) {
			findings = append(findings, Finding{
				Code:     CodeInvoiceOverAllocated,
				Severity: SeverityFail,
				EntityID: inv.ID,
				Message: fmt.Sprintf("invoice %s allocations %s exceed amount %s",
					inv.ID, sum.StringFixed(2), inv.Amount.StringFixed(2)),
			})
		}
	}
	if len(findings) == 0 {
		findings = append(findings, Finding{
			Code:     CodeInvoiceAllocationsOK,
			Severity: SeverityPass,
			Message:  "all invoice allocations reconcile",
		})
	}
	return findings
}

// checkBillingIntegrity compares each invoice's billed figure against its
// slices on draws that have actually been funded. Slices on draft or merely
// submitted draws are commitments, not billings.
func checkBillingIntegrity(ledger JobLedger) []Finding {
	fundedSlices := make(map[uuid.UUID]decimal.Decimal)
	for _, draw := range ledger.Draws {
		if !drawIsFunded(draw.Status) {
			continue
		}
		for _, slice := range ledger.DrawAllocations[draw.ID] {
			fundedSlices[slice.InvoiceID] = fundedSlices[slice.InvoiceID].Add(slice.Amount)
		}
	}

	var findings []Finding
	for _, inv := range ledger.Invoices {
		if inv.DeletedAt != nil {
			continue
		}
		funded := fundedSlices[inv.ID]
		if inv.BilledAmount.Sub(funded).Abs().GreaterThan(billing.AmountTolerance) {
			findings = append(findings, Finding{
				Code:     CodeInvoiceBilledLedgerMismatch,
				Severity: SeverityFail,
				EntityID: inv.ID,
				Message: fmt.Sprintf("invoice %s billed %s but funded draw slices sum to %s",
					inv.ID, inv.BilledAmount.StringFixed(2), funded.StringFixed(2)),
			})
		}
		fullyBilled := inv.BilledAmount.GreaterThanOrEqual(inv.Amount.Sub(billing.AmountTolerance))
		if fullyBilled && inv.FullyBilledAt == nil {
			findings = append(findings, Finding{
				Code:     CodeMissingFullyBilledAt,
				Severity: SeverityWarning,
				EntityID: inv.ID,
				Message:  fmt.Sprintf("invoice %s is billed in full but not stamped fully billed", inv.ID),
			})
		}
	}
	if len(findings) == 0 {
		findings = append(findings, Finding{
			Code:     CodeBillingIntegrityOK,
			Severity: SeverityPass,
			Message:  "billed amounts match funded draw slices",
		})
	}
	return findings
}

func checkDrawTotals(ledger JobLedger) []Finding {
	invoiceStatus := make(map[uuid.UUID]billing.InvoiceStatus, len(ledger.Invoices))
	for _, inv := range ledger.Invoices {
		invoiceStatus[inv.ID] = inv.Status
	}

	var findings []Finding
	for _, draw := range ledger.Draws {
		sum := decimal.Zero
		members := map[uuid.UUID]struct{}{}
		for _, slice := range ledger.DrawAllocations[draw.ID] {
			sum = sum.Add(slice.Amount)
			members[slice.InvoiceID] = struct{}{}
		}
		for _, dco := range ledger.DrawChangeOrders[draw.ID] {
			sum = sum.Add(dco.Amount)
		}
		if draw.TotalAmount.Sub(sum).Abs().GreaterThan(billing.AmountTolerance) {
			findings = append(findings, Finding{
				Code:     CodeDrawTotalMismatch,
				Severity: SeverityFail,
				EntityID: draw.ID,
				Message: fmt.Sprintf("draw %d total %s but sub-ledger sums to %s",
					draw.DrawNumber, draw.TotalAmount.StringFixed(2), sum.StringFixed(2)),
			})
		}
		// Draft members must be in_draw. On submitted and funded draws an
		// invoice kicked back at submission legitimately cycles through
		// needs_approval/approved/in_draw/paid, so only statuses that cannot
		// be kickback residue are flagged there.
		for invoiceID := range members {
			status := invoiceStatus[invoiceID]
			var suspect bool
			switch {
			case draw.Status == billing.DrawDraft:
				suspect = status != billing.InvoiceInDraw
			default:
				suspect = status == billing.InvoiceReceived || status == billing.InvoiceDenied
			}
			if suspect {
				findings = append(findings, Finding{
					Code:     CodeDrawInvoiceStatus,
					Severity: SeverityWarning,
					EntityID: invoiceID,
					Message: fmt.Sprintf("invoice %s sits on %s draw %d but is %s",
						invoiceID, strings.ToLower(string(draw.Status)), draw.DrawNumber, status),
				})
			}
		}
	}
	if len(findings) == 0 {
		findings = append(findings, Finding{
			Code:     CodeDrawTotalsOK,
			Severity: SeverityPass,
			Message:  "all draw totals reconcile",
		})
	}
	return findings
}

// checkPOBalances grades each purchase order two ways: the sum of its live
// invoice amounts against the order total, and each line's invoiced figure
// against the line's committed amount. Overages within the configured
// tolerance warn; beyond it they fail.
func checkPOBalances(ledger JobLedger, overageTolerance decimal.Decimal) []Finding {
	invoicedByPO := make(map[uuid.UUID]decimal.Decimal)
	for _, inv := range ledger.Invoices {
		if inv.POID == nil || inv.DeletedAt != nil || inv.Status == billing.InvoiceDenied {
			continue
		}
		invoicedByPO[*inv.POID] = invoicedByPO[*inv.POID].Add(inv.Amount)
	}

	var findings []Finding
	for _, po := range ledger.PurchaseOrders {
		if po.Status == billing.POCancelled {
			continue
		}
		invoiced := invoicedByPO[po.ID]
		if invoiced.GreaterThan(po.TotalAmount.Add(billing.AmountTolerance)) {
			ceiling := po.TotalAmount.Mul(decimal.NewFromInt(1).Add(overageTolerance))
			if invoiced.LessThanOrEqual(ceiling.Add(billing.AmountTolerance)) {
				findings = append(findings, Finding{
					Code:     CodePOOverageWarning,
					Severity: SeverityWarning,
					EntityID: po.ID,
					Message: fmt.Sprintf("po %s invoices %s over total %s, within tolerance",
						po.ID, invoiced.StringFixed(2), po.TotalAmount.StringFixed(2)),
				})
			} else {
				findings = append(findings, Finding{
					Code:     CodePOOverInvoiced,
					Severity: SeverityFail,
					EntityID: po.ID,
					Message: fmt.Sprintf("po %s invoices %s against total %s",
						po.ID, invoiced.StringFixed(2), po.TotalAmount.StringFixed(2)),
				})
			}
		}
		for _, line := range ledger.POLines[po.ID] {
			if line.InvoicedAmount.LessThanOrEqual(line.Amount.Add(billing.AmountTolerance)) {
				continue
			}
			ceiling := line.Amount.Mul(decimal.NewFromInt(1).Add(overageTolerance))
			if line.InvoicedAmount.LessThanOrEqual(ceiling.Add(billing.AmountTolerance)) {
				findings = append(findings, Finding{
					Code:     CodePOOverageWarning,
					Severity: SeverityWarning,
					EntityID: line.ID,
					Message: fmt.Sprintf("po line %s invoiced %s over committed %s, within tolerance",
						line.ID, line.InvoicedAmount.StringFixed(2), line.Amount.StringFixed(2)),
				})
				continue
			}
			findings = append(findings, Finding{
				Code:     CodePOOverInvoiced,
				Severity: SeverityFail,
				EntityID: line.ID,
				Message: fmt.Sprintf("po line %s invoiced %s against committed %s",
					line.ID, line.InvoicedAmount.StringFixed(2), line.Amount.StringFixed(2)),
			})
		}
	}
	if len(findings) == 0 {
		findings = append(findings, Finding{
			Code:     CodePOBalancesOK,
			Severity: SeverityPass,
			Message:  "all purchase order balances reconcile",
		})
	}
	return findings
}

// checkBudget recomputes the rollup from raw ledgers and compares it to the
// stored budget lines.
func checkBudget(ledger JobLedger) []Finding {
	hasPO := make(map[uuid.UUID]bool, len(ledger.Invoices))
	status := make(map[uuid.UUID]billing.InvoiceStatus, len(ledger.Invoices))
	for _, inv := range ledger.Invoices {
		hasPO[inv.ID] = inv.POID != nil
		status[inv.ID] = inv.Status
	}
	var rollupAllocations []billing.RollupAllocation
	for invoiceID, allocations := range ledger.Allocations {
		for _, a := range allocations {
			rollupAllocations = append(rollupAllocations, billing.RollupAllocation{
				CostCodeID: a.CostCodeID,
				Amount:     a.Amount,
				Status:     status[invoiceID],
				HasPO:      hasPO[invoiceID],
			})
		}
	}
	var rollupPOLines []billing.RollupPOLine
	for _, po := range ledger.PurchaseOrders {
		for _, line := range ledger.POLines[po.ID] {
			rollupPOLines = append(rollupPOLines, billing.RollupPOLine{
				CostCodeID: line.CostCodeID,
				Amount:     line.Amount,
				Status:     po.Status,
			})
		}
	}
	expected := billing.ComputeRollups(ledger.JobID, ledger.BudgetLines, rollupAllocations, rollupPOLines)
	stored := make(map[uuid.UUID]billing.BudgetLine, len(ledger.BudgetLines))
	for _, line := range ledger.BudgetLines {
		stored[line.CostCodeID] = line
	}

	var findings []Finding
	for _, want := range expected {
		got, ok := stored[want.CostCodeID]
		if !ok && want.BilledAmount.IsZero() {
			// Cost code referenced only by commitments; nothing billed yet so
			// the missing line is lazy creation, not drift.
			continue
		}
		if !ok || got.BilledAmount.Sub(want.BilledAmount).Abs().GreaterThan(billing.AmountTolerance) {
			findings = append(findings, Finding{
				Code:     CodeBudgetBilledMismatch,
				Severity: SeverityWarning,
				EntityID: want.CostCodeID,
				Message: fmt.Sprintf("cost code %s stored billed %s, ledger says %s",
					want.CostCodeID, got.BilledAmount.StringFixed(2), want.BilledAmount.StringFixed(2)),
			})
		}
	}
	for _, line := range ledger.BudgetLines {
		if line.ClosedAt != nil || line.BudgetedAmount.IsZero() {
			continue
		}
		actual := line.CommittedAmount.Add(line.BilledUncommitted)
		if actual.GreaterThan(line.BudgetedAmount) {
			findings = append(findings, Finding{
				Code:     CodeBudgetOverrun,
				Severity: SeverityWarning,
				EntityID: line.CostCodeID,
				Message: fmt.Sprintf("cost code %s actuals %s exceed budget %s",
					line.CostCodeID, actual.StringFixed(2), line.BudgetedAmount.StringFixed(2)),
			})
		}
	}
	if len(findings) == 0 {
		findings = append(findings, Finding{
			Code:     CodeBudgetActualsOK,
			Severity: SeverityPass,
			Message:  "budget rollups reconcile",
		})
	}
	return findings
}

func drawIsFunded(status billing.DrawStatus) bool {
	switch status {
	case billing.DrawFunded, billing.DrawPartiallyFunded, billing.DrawOverfunded:
		return true
	default:
		return false
	}
}
