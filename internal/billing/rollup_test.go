package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestComputeRollups(t *testing.T) {
	jobID := uuid.New()
	ccPO := uuid.New()
	ccDirect := uuid.New()

	poLines := []RollupPOLine{
		{CostCodeID: ccPO, Amount: dec("8000.00"), Status: POOpen},
		{CostCodeID: ccPO, Amount: dec("500.00"), Status: POCancelled},
		{CostCodeID: ccPO, Amount: dec("900.00"), Status: POClosed},
	}
	allocations := []RollupAllocation{
		{CostCodeID: ccPO, Amount: dec("3000.00"), Status: InvoicePaid, HasPO: true},
		{CostCodeID: ccDirect, Amount: dec("1200.00"), Status: InvoiceInDraw, HasPO: false},
		// Not yet billed: excluded from billed figures.
		{CostCodeID: ccDirect, Amount: dec("700.00"), Status: InvoiceApproved, HasPO: false},
		// Denied coding excluded entirely.
		{CostCodeID: ccDirect, Amount: dec("400.00"), Status: InvoiceDenied, HasPO: false},
	}

	lines := ComputeRollups(jobID, nil, allocations, poLines)
	require.Len(t, lines, 2)

	byCostCode := map[uuid.UUID]BudgetLine{}
	for _, l := range lines {
		byCostCode[l.CostCodeID] = l
	}

	poLine := byCostCode[ccPO]
	require.True(t, poLine.CommittedAmount.Equal(dec("8000.00")), "only open POs commit spend")
	require.True(t, poLine.BilledAmount.Equal(dec("3000.00")))
	require.True(t, poLine.PaidAmount.Equal(dec("3000.00")))
	require.True(t, poLine.BilledUncommitted.IsZero())

	direct := byCostCode[ccDirect]
	require.True(t, direct.CommittedAmount.IsZero())
	require.True(t, direct.BilledAmount.Equal(dec("1200.00")))
	require.True(t, direct.PaidAmount.IsZero())
	require.True(t, direct.BilledUncommitted.Equal(dec("1200.00")))
}

func TestComputeRollupsIsIdempotent(t *testing.T) {
	jobID := uuid.New()
	cc := uuid.New()
	allocations := []RollupAllocation{
		{CostCodeID: cc, Amount: dec("250.00"), Status: InvoicePaid, HasPO: false},
	}

	first := ComputeRollups(jobID, nil, allocations, nil)
	second := ComputeRollups(jobID, first, allocations, nil)
	require.Equal(t, first, second)
}

func TestComputeRollupsPreservesBudgetAndClose(t *testing.T) {
	jobID := uuid.New()
	cc := uuid.New()
	closedAt := time.Now()
	closedBy := "controller-1"
	existing := []BudgetLine{{
		JobID:          jobID,
		CostCodeID:     cc,
		BudgetedAmount: dec("5000.00"),
		// Stale figures from a previous pass get recomputed away.
		BilledAmount: dec("9999.00"),
		ClosedAt:     &closedAt,
		ClosedBy:     &closedBy,
	}}
	lines := ComputeRollups(jobID, existing, nil, nil)
	require.Len(t, lines, 1)
	require.True(t, lines[0].BudgetedAmount.Equal(dec("5000.00")))
	require.True(t, lines[0].BilledAmount.IsZero())
	require.NotNil(t, lines[0].ClosedAt)
	require.Equal(t, "controller-1", *lines[0].ClosedBy)
}

func TestBudgetLineProjected(t *testing.T) {
	open := BudgetLine{
		BudgetedAmount:    dec("10000.00"),
		CommittedAmount:   dec("4000.00"),
		BilledUncommitted: dec("1000.00"),
	}
	// Open and under budget: budget wins.
	require.True(t, open.Projected().Equal(dec("10000.00")))

	open.CommittedAmount = dec("12000.00")
	// Open and over budget: actuals win.
	require.True(t, open.Projected().Equal(dec("13000.00")))

	closedAt := time.Now()
	closed := BudgetLine{
		BudgetedAmount:    dec("10000.00"),
		CommittedAmount:   dec("4000.00"),
		BilledUncommitted: dec("2000.00"),
		ClosedAt:          &closedAt,
	}
	// Closed: the original budget no longer pads the projection.
	require.True(t, closed.Projected().Equal(dec("6000.00")))
	require.True(t, closed.Projected().LessThan(closed.BudgetedAmount))
}

func TestProjectedNeverNegative(t *testing.T) {
	line := BudgetLine{
		BudgetedAmount:    decimal.Zero,
		CommittedAmount:   decimal.Zero,
		BilledUncommitted: decimal.Zero,
	}
	require.False(t, line.Projected().IsNegative())
}
