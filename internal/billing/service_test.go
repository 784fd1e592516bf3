package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/drawline-erp/drawline-erp/internal/shared"
)

var (
	_ Repository   = (*memoryRepo)(nil)
	_ TxRepository = (*memoryTx)(nil)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedInvoice(repo *memoryRepo, jobID uuid.UUID, amount string) Invoice {
	now := time.Now()
	inv := Invoice{
		ID:           uuid.New(),
		JobID:        jobID,
		VendorID:     uuid.New(),
		Amount:       dec(amount),
		Status:       InvoiceReceived,
		BilledAmount: decimal.Zero,
		PaidAmount:   decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	repo.invoices[inv.ID] = inv
	return inv
}

func seedPO(repo *memoryRepo, jobID uuid.UUID, costCodeID uuid.UUID, amount string) (PurchaseOrder, POLineItem) {
	po := PurchaseOrder{ID: uuid.New(), JobID: jobID, VendorID: uuid.New(), TotalAmount: dec(amount), Status: POOpen}
	line := POLineItem{ID: uuid.New(), POID: po.ID, CostCodeID: costCodeID, Amount: dec(amount), InvoicedAmount: decimal.Zero}
	repo.purchaseOrders[po.ID] = po
	repo.poLines[po.ID] = []POLineItem{line}
	return po, line
}

type capturedUndo struct {
	invoice     *Invoice
	draw        *Draw
	action      string
	adjustments []POAdjustment
}

type fakeUndoRecorder struct {
	captures []capturedUndo
}

func (f *fakeUndoRecorder) CaptureInvoice(ctx context.Context, prior Invoice, action string, adjustments []POAdjustment, performedBy string) error {
	f.captures = append(f.captures, capturedUndo{invoice: &prior, action: action, adjustments: adjustments})
	return nil
}

func (f *fakeUndoRecorder) CaptureDraw(ctx context.Context, prior Draw, action, performedBy string) error {
	f.captures = append(f.captures, capturedUndo{draw: &prior, action: action})
	return nil
}

func TestCodeInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	jobID := uuid.New()
	inv := seedInvoice(repo, jobID, "10000.00")
	costCode := uuid.New()

	coded, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID: inv.ID,
		Allocations: []AllocationInput{
			{CostCodeID: costCode, Amount: dec("6000.00")},
			{CostCodeID: uuid.New(), Amount: dec("4000.00")},
		},
		ActorID: "pm-1",
	})
	require.NoError(t, err)
	require.Equal(t, InvoiceNeedsApproval, coded.Status)
	require.Len(t, repo.allocations[inv.ID], 2)

	// Recoding while awaiting approval replaces the existing set.
	recoded, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: costCode, Amount: dec("10000.00")}},
		ActorID:     "pm-1",
	})
	require.NoError(t, err)
	require.Equal(t, InvoiceNeedsApproval, recoded.Status)
	require.Len(t, repo.allocations[inv.ID], 1)
}

func TestCodeInvoiceRejectsOverAllocation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	inv := seedInvoice(repo, uuid.New(), "1000.00")

	_, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: uuid.New(), Amount: dec("1000.02")}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// One cent over is within rounding tolerance.
	_, err = svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: uuid.New(), Amount: dec("1000.01")}},
	})
	require.NoError(t, err)
}

func TestCodeInvoiceGuardsStatus(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	inv := seedInvoice(repo, uuid.New(), "500.00")
	inv.Status = InvoicePaid
	repo.invoices[inv.ID] = inv

	_, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: uuid.New(), Amount: dec("500.00")}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestApproveInvoicePartialRequiresConfirmation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	inv := seedInvoice(repo, uuid.New(), "10000.00")

	_, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: uuid.New(), Amount: dec("6000.00")}},
	})
	require.NoError(t, err)

	_, err = svc.ApproveInvoice(context.Background(), ApproveInvoiceInput{InvoiceID: inv.ID, ApprovedBy: "pm-1"})
	require.ErrorIs(t, err, shared.ErrValidation)

	approved, err := svc.ApproveInvoice(context.Background(), ApproveInvoiceInput{
		InvoiceID: inv.ID, ApprovedBy: "pm-1", Partial: true,
	})
	require.NoError(t, err)
	require.Equal(t, InvoiceApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.Equal(t, "pm-1", *approved.ApprovedBy)
}

func TestApproveInvoiceAdjustsPOLines(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	undo := &fakeUndoRecorder{}
	svc.SetUndoRecorder(undo)

	jobID := uuid.New()
	costCode := uuid.New()
	po, line := seedPO(repo, jobID, costCode, "8000.00")
	inv := seedInvoice(repo, jobID, "5000.00")
	inv.POID = &po.ID
	repo.invoices[inv.ID] = inv

	_, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: costCode, Amount: dec("5000.00")}},
	})
	require.NoError(t, err)

	_, err = svc.ApproveInvoice(context.Background(), ApproveInvoiceInput{InvoiceID: inv.ID, ApprovedBy: "pm-1"})
	require.NoError(t, err)
	require.True(t, repo.poLines[po.ID][0].InvoicedAmount.Equal(dec("5000.00")))

	require.Len(t, undo.captures, 1)
	require.Equal(t, ActionApprove, undo.captures[0].action)
	require.Len(t, undo.captures[0].adjustments, 1)
	require.Equal(t, line.ID, undo.captures[0].adjustments[0].LineID)
	require.Equal(t, InvoiceNeedsApproval, undo.captures[0].invoice.Status)
}

func TestDenyApprovedInvoiceReleasesPOCommitment(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)

	jobID := uuid.New()
	costCode := uuid.New()
	po, _ := seedPO(repo, jobID, costCode, "8000.00")
	inv := seedInvoice(repo, jobID, "5000.00")
	inv.POID = &po.ID
	repo.invoices[inv.ID] = inv

	_, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: costCode, Amount: dec("5000.00")}},
	})
	require.NoError(t, err)
	_, err = svc.ApproveInvoice(context.Background(), ApproveInvoiceInput{InvoiceID: inv.ID, ApprovedBy: "pm-1"})
	require.NoError(t, err)

	denied, err := svc.DenyInvoice(context.Background(), DenyInvoiceInput{
		InvoiceID: inv.ID, Reason: "duplicate billing", PerformedBy: "pm-2",
	})
	require.NoError(t, err)
	require.Equal(t, InvoiceDenied, denied.Status)
	require.Equal(t, "duplicate billing", *denied.DenialReason)
	require.True(t, repo.poLines[po.ID][0].InvoicedAmount.IsZero())
	// Allocations survive for audit.
	require.Len(t, repo.allocations[inv.ID], 1)
}

func TestDenyRequiresReason(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	inv := seedInvoice(repo, uuid.New(), "100.00")

	_, err := svc.DenyInvoice(context.Background(), DenyInvoiceInput{InvoiceID: inv.ID, PerformedBy: "pm-1"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUnapproveInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)

	jobID := uuid.New()
	costCode := uuid.New()
	po, _ := seedPO(repo, jobID, costCode, "8000.00")
	inv := seedInvoice(repo, jobID, "5000.00")
	inv.POID = &po.ID
	repo.invoices[inv.ID] = inv

	_, err := svc.CodeInvoice(context.Background(), CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: costCode, Amount: dec("5000.00")}},
	})
	require.NoError(t, err)
	_, err = svc.ApproveInvoice(context.Background(), ApproveInvoiceInput{InvoiceID: inv.ID, ApprovedBy: "pm-1"})
	require.NoError(t, err)

	reverted, err := svc.UnapproveInvoice(context.Background(), inv.ID, "pm-1")
	require.NoError(t, err)
	require.Equal(t, InvoiceNeedsApproval, reverted.Status)
	require.Nil(t, reverted.ApprovedAt)
	require.True(t, repo.poLines[po.ID][0].InvoicedAmount.IsZero())
	// Allocations stay for the next approval pass.
	require.Len(t, repo.allocations[inv.ID], 1)
}
