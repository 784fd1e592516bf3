package billing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

// ValidateAllocations checks a proposed coding against the invoice amount.
// The allocation sum may exceed the invoice amount only by the rounding
// tolerance, and every allocation must carry a cost code.
func ValidateAllocations(inv Invoice, allocations []AllocationInput) error {
	sum := decimal.Zero
	for _, a := range allocations {
		if a.CostCodeID == uuid.Nil {
			return shared.Validationf("allocation missing cost code")
		}
		if a.Amount.IsNegative() {
			return shared.Validationf("allocation amount must not be negative")
		}
		sum = sum.Add(a.Amount)
	}
	if sum.GreaterThan(inv.Amount.Add(AmountTolerance)) {
		return shared.Validationf("allocations %s exceed invoice amount %s", sum.StringFixed(2), inv.Amount.StringFixed(2))
	}
	return nil
}

// RemainingUnbilled returns how much of the invoice is still releasable:
// the amount less whichever of billed/paid has progressed further, floored
// at zero.
func RemainingUnbilled(inv Invoice) decimal.Decimal {
	progress := inv.BilledAmount
	if inv.PaidAmount.GreaterThan(progress) {
		progress = inv.PaidAmount
	}
	remaining := inv.Amount.Sub(progress)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// SumAllocations totals allocation amounts.
func SumAllocations(allocations []Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocations {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// withinTolerance reports |a-b| <= AmountTolerance.
func withinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(AmountTolerance)
}
