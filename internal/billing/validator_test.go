package billing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

func TestValidateAllocations(t *testing.T) {
	inv := Invoice{Amount: dec("1000.00")}

	err := ValidateAllocations(inv, []AllocationInput{
		{CostCodeID: uuid.New(), Amount: dec("600.00")},
		{CostCodeID: uuid.New(), Amount: dec("400.00")},
	})
	require.NoError(t, err)

	err = ValidateAllocations(inv, []AllocationInput{
		{CostCodeID: uuid.Nil, Amount: dec("1000.00")},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	err = ValidateAllocations(inv, []AllocationInput{
		{CostCodeID: uuid.New(), Amount: dec("-10.00")},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestValidateAllocationsToleranceBoundary(t *testing.T) {
	inv := Invoice{Amount: dec("1000.00")}

	err := ValidateAllocations(inv, []AllocationInput{
		{CostCodeID: uuid.New(), Amount: dec("1000.01")},
	})
	require.NoError(t, err)

	err = ValidateAllocations(inv, []AllocationInput{
		{CostCodeID: uuid.New(), Amount: dec("1000.02")},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRemainingUnbilled(t *testing.T) {
	inv := Invoice{Amount: dec("1000.00"), BilledAmount: dec("600.00")}
	require.True(t, RemainingUnbilled(inv).Equal(dec("400.00")))

	// Paid ahead of billed: the larger figure governs.
	inv.PaidAmount = dec("800.00")
	require.True(t, RemainingUnbilled(inv).Equal(dec("200.00")))

	// Overbilled floors at zero rather than going negative.
	inv.BilledAmount = dec("1200.00")
	require.True(t, RemainingUnbilled(inv).IsZero())
}
