package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRestoreInvoiceReversesApproval(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	undo := &fakeUndoRecorder{}
	svc.SetUndoRecorder(undo)
	ctx := context.Background()

	jobID := uuid.New()
	costCode := uuid.New()
	po, _ := seedPO(repo, jobID, costCode, "8000.00")
	inv := seedInvoice(repo, jobID, "5000.00")
	inv.POID = &po.ID
	repo.invoices[inv.ID] = inv

	_, err := svc.CodeInvoice(ctx, CodeInvoiceInput{
		InvoiceID:   inv.ID,
		Allocations: []AllocationInput{{CostCodeID: costCode, Amount: dec("5000.00")}},
	})
	require.NoError(t, err)
	_, err = svc.ApproveInvoice(ctx, ApproveInvoiceInput{InvoiceID: inv.ID, ApprovedBy: "pm-1"})
	require.NoError(t, err)
	require.True(t, repo.poLines[po.ID][0].InvoicedAmount.Equal(dec("5000.00")))

	// Replay the captured snapshot, as the undo manager would.
	capture := undo.captures[0]
	restored, err := svc.RestoreInvoice(ctx, inv.ID, InvoiceRestore{
		Status:        capture.invoice.Status,
		BilledAmount:  capture.invoice.BilledAmount,
		PaidAmount:    capture.invoice.PaidAmount,
		POAdjustments: capture.adjustments,
	})
	require.NoError(t, err)
	require.Equal(t, InvoiceNeedsApproval, restored.Status)
	require.Nil(t, restored.ApprovedAt)
	require.True(t, repo.poLines[po.ID][0].InvoicedAmount.IsZero())
}

func TestRestoreDrawReversesFunding(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	undo := &fakeUndoRecorder{}
	svc.SetUndoRecorder(undo)
	ctx := context.Background()

	jobID := uuid.New()
	inv := seedInvoice(repo, jobID, "1000.00")
	approveFull(t, svc, inv, uuid.New())

	draw, err := svc.CreateDraw(ctx, CreateDrawInput{JobID: jobID, ActorID: "pm-1"})
	require.NoError(t, err)
	_, err = svc.AddInvoicesToDraw(ctx, draw.ID, []uuid.UUID{inv.ID}, "pm-1")
	require.NoError(t, err)
	_, err = svc.SubmitDraw(ctx, draw.ID, "pm-1")
	require.NoError(t, err)
	_, err = svc.FundDraw(ctx, draw.ID, dec("1000.00"), "controller-1")
	require.NoError(t, err)
	require.Equal(t, InvoicePaid, repo.invoices[inv.ID].Status)

	// The fund capture is the latest one.
	var fundCapture *capturedUndo
	for i := range undo.captures {
		if undo.captures[i].action == ActionFund {
			fundCapture = &undo.captures[i]
		}
	}
	require.NotNil(t, fundCapture)

	restored, err := svc.RestoreDraw(ctx, draw.ID, DrawRestore{
		Status:         fundCapture.draw.Status,
		TotalAmount:    fundCapture.draw.TotalAmount,
		IsCurrentDraft: fundCapture.draw.IsCurrentDraft,
		LockedAt:       fundCapture.draw.LockedAt,
		FundedAmount:   fundCapture.draw.FundedAmount,
	})
	require.NoError(t, err)
	require.Equal(t, DrawSubmitted, restored.Status)
	require.Nil(t, restored.FundedAmount)

	current := repo.invoices[inv.ID]
	require.Equal(t, InvoiceInDraw, current.Status)
	require.True(t, current.BilledAmount.IsZero())
	require.True(t, current.PaidAmount.IsZero())
}

func TestRestoreDrawReversesSubmit(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	undo := &fakeUndoRecorder{}
	svc.SetUndoRecorder(undo)
	ctx := context.Background()

	jobID := uuid.New()
	inv := seedInvoice(repo, jobID, "1000.00")
	approveFull(t, svc, inv, uuid.New())

	draw, err := svc.CreateDraw(ctx, CreateDrawInput{JobID: jobID, ActorID: "pm-1"})
	require.NoError(t, err)
	_, err = svc.AddInvoicesToDraw(ctx, draw.ID, []uuid.UUID{inv.ID}, "pm-1")
	require.NoError(t, err)
	_, err = svc.SubmitDraw(ctx, draw.ID, "pm-1")
	require.NoError(t, err)
	require.NotNil(t, repo.invoices[inv.ID].FullyBilledAt)

	var submitCapture *capturedUndo
	for i := range undo.captures {
		if undo.captures[i].action == ActionSubmit {
			submitCapture = &undo.captures[i]
		}
	}
	require.NotNil(t, submitCapture)

	restored, err := svc.RestoreDraw(ctx, draw.ID, DrawRestore{
		Status:         submitCapture.draw.Status,
		TotalAmount:    submitCapture.draw.TotalAmount,
		IsCurrentDraft: submitCapture.draw.IsCurrentDraft,
		LockedAt:       submitCapture.draw.LockedAt,
		FundedAmount:   submitCapture.draw.FundedAmount,
	})
	require.NoError(t, err)
	require.Equal(t, DrawDraft, restored.Status)
	require.True(t, restored.IsCurrentDraft)
	require.Nil(t, restored.LockedAt)
	require.Nil(t, repo.invoices[inv.ID].FullyBilledAt)
}
