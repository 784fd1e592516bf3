package billing

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RollupAllocation is one invoice allocation row as seen by the rollup:
// amount, the owning invoice's status, and whether the invoice is PO-backed.
type RollupAllocation struct {
	CostCodeID uuid.UUID
	Amount     decimal.Decimal
	Status     InvoiceStatus
	HasPO      bool
}

// RollupPOLine is one purchase order line as seen by the rollup.
type RollupPOLine struct {
	CostCodeID uuid.UUID
	Amount     decimal.Decimal
	Status     POStatus
}

// ComputeRollups recomputes committed/billed/paid figures per cost code from
// the raw ledgers. Budgeted amounts and close markers on existing lines are
// preserved; lines are created lazily for cost codes first referenced by an
// allocation or PO line. The computation is pure and idempotent: the same
// ledger state always yields the same figures.
func ComputeRollups(jobID uuid.UUID, existing []BudgetLine, allocations []RollupAllocation, poLines []RollupPOLine) []BudgetLine {
	lines := make(map[uuid.UUID]*BudgetLine, len(existing))
	for _, l := range existing {
		line := l
		line.CommittedAmount = decimal.Zero
		line.BilledAmount = decimal.Zero
		line.PaidAmount = decimal.Zero
		line.BilledUncommitted = decimal.Zero
		lines[l.CostCodeID] = &line
	}
	ensure := func(costCode uuid.UUID) *BudgetLine {
		if line, ok := lines[costCode]; ok {
			return line
		}
		line := &BudgetLine{
			JobID:             jobID,
			CostCodeID:        costCode,
			BudgetedAmount:    decimal.Zero,
			CommittedAmount:   decimal.Zero,
			BilledAmount:      decimal.Zero,
			PaidAmount:        decimal.Zero,
			BilledUncommitted: decimal.Zero,
		}
		lines[costCode] = line
		return line
	}

	// Only open orders carry committed spend; closed and cancelled orders
	// no longer constrain the line.
	for _, po := range poLines {
		if po.Status != POOpen {
			continue
		}
		line := ensure(po.CostCodeID)
		line.CommittedAmount = line.CommittedAmount.Add(po.Amount)
	}

	for _, a := range allocations {
		if a.Status != InvoiceInDraw && a.Status != InvoicePaid {
			continue
		}
		line := ensure(a.CostCodeID)
		line.BilledAmount = line.BilledAmount.Add(a.Amount)
		if !a.HasPO {
			line.BilledUncommitted = line.BilledUncommitted.Add(a.Amount)
		}
		if a.Status == InvoicePaid {
			line.PaidAmount = line.PaidAmount.Add(a.Amount)
		}
	}

	out := make([]BudgetLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, *line)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CostCodeID.String() < out[j].CostCodeID.String()
	})
	return out
}

// recomputeBudget refreshes every budget line of the job from ledger state,
// inside the caller's transaction.
func recomputeBudget(ctx context.Context, tx TxRepository, jobID uuid.UUID) error {
	existing, err := tx.ListBudgetLines(ctx, jobID)
	if err != nil {
		return err
	}
	allocations, err := tx.ListRollupAllocations(ctx, jobID)
	if err != nil {
		return err
	}
	poLines, err := tx.ListRollupPOLines(ctx, jobID)
	if err != nil {
		return err
	}
	for _, line := range ComputeRollups(jobID, existing, allocations, poLines) {
		if err := tx.UpsertBudgetLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}
